package pluginutil

import (
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/storage"
)

func TestPosition(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	ev := &plugin.Event{
		Log: types.Log{
			Address: ethCommon.HexToAddress("0x00000000000000000000000000000000000000ab"),
			TxHash:  ethCommon.Hash{0x01},
			Index:   7,
		},
		Block: storage.Header{Height: 42, Timestamp: ts},
	}
	p := PositionOf(ev)
	require.Equal(t, "0x0100000000000000000000000000000000000000000000000000000000000000-7", p.ID())
	require.Equal(t, ev.Log.Address.Hex(), p.Address)

	row := p.Row()
	require.Equal(t, int64(42), row["block_number"])
	require.Equal(t, int64(7), row["log_index"])
	require.Equal(t, ts, row["timestamp"])

	later := p
	later.LogIndex = 8
	require.True(t, later.After(p))
	require.False(t, p.After(later))
	require.False(t, p.After(p))
	next := p
	next.BlockNumber, next.LogIndex = 43, 0
	require.True(t, next.After(later))

	require.NotContains(t, Position{}.Row(), "timestamp")
}

func TestHelpers(t *testing.T) {
	require.Equal(t, "0x00ff", Hex([]byte{0x00, 0xff}))
	require.Nil(t, NullableString(nil))
	s := "x"
	require.Equal(t, "x", NullableString(&s))
	require.True(t, TopicCount(&types.Log{Topics: []ethCommon.Hash{{}, {}}}, 2))
	require.False(t, TopicCount(&types.Log{Topics: []ethCommon.Hash{{}}}, 2))

	require.Equal(t, 3, Int(int32(3)))
	require.Equal(t, 3, Int(int64(3)))
	require.Equal(t, 3, Int(3))
	require.Zero(t, Int(nil))
	require.Zero(t, Int("3"))
}
