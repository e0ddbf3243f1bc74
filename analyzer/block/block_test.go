package block

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/analyzer/pipeline"
	"github.com/chillwhales/lsp-indexer/config"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/memory"
)

const testsTimeout = 10 * time.Second

type mockSource struct {
	mu     sync.Mutex
	latest uint64
	ranges [][2]uint64
}

func (s *mockSource) Name() string { return "mock" }

func (s *mockSource) LatestHeight(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *mockSource) Blocks(ctx context.Context, from, to uint64, subs []storage.LogSubscription) ([]*storage.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, [2]uint64{from, to})
	return []*storage.Block{{Header: storage.Header{Height: from}}}, nil
}

type mockProcessor struct {
	mu sync.Mutex
	// If specified, can simulate a failure for a batch.
	fail    func(*storage.Batch) error
	batches []storage.Batch
}

func (p *mockProcessor) ProcessBatch(ctx context.Context, batch *storage.Batch) (*pipeline.Summary, error) {
	if p.fail != nil {
		if err := p.fail(batch); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, *batch)
	return &pipeline.Summary{From: batch.From, To: batch.To}, nil
}

func (p *mockProcessor) ranges() [][2]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := [][2]uint64{}
	for _, b := range p.batches {
		out = append(out, [2]uint64{b.From, b.To})
	}
	return out
}

func setupAnalyzer(t *testing.T, cfg *config.PipelineConfig, depth uint64, source *mockSource, p *mockProcessor, store storage.Store) *blockBasedAnalyzer {
	a, err := NewAnalyzer(cfg, depth, "test_analyzer", source, nil, p, store, log.NewDiscardLogger())
	require.NoError(t, err)
	b := a.(*blockBasedAnalyzer)
	b.initialBackoff = time.Millisecond
	b.maxBackoff = 5 * time.Millisecond
	return b
}

func cursor(t *testing.T, store *memory.Store) uint64 {
	row, ok := store.Get(CursorTable, "test_analyzer")
	require.True(t, ok)
	h, err := toUint64(row["height"])
	require.NoError(t, err)
	return h
}

func runUntilDone(t *testing.T, a *blockBasedAnalyzer) {
	ctx, cancel := context.WithTimeout(context.Background(), testsTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("analyzer did not finish in time")
	}
}

func TestProcessesConfiguredRange(t *testing.T) {
	store := memory.NewStore()
	source := &mockSource{latest: 100}
	p := &mockProcessor{}
	a := setupAnalyzer(t, &config.PipelineConfig{From: 1, To: 25, BatchBlocks: 10}, 0, source, p, store)

	runUntilDone(t, a)

	require.Equal(t, [][2]uint64{{1, 10}, {11, 20}, {21, 25}}, p.ranges())
	for _, b := range p.batches {
		require.False(t, b.IsHead)
	}
	require.Equal(t, uint64(26), cursor(t, store))
}

func TestFollowsSafeHead(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := &mockSource{latest: 30}
	p := &mockProcessor{}
	a := setupAnalyzer(t, &config.PipelineConfig{BatchBlocks: 10}, 5, source, p, store)

	for _, want := range []step{stepProcessed, stepProcessed, stepIdle, stepIdle} {
		s, err := a.processNext(ctx)
		require.NoError(t, err)
		require.Equal(t, want, s)
	}
	require.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, p.ranges())
	require.True(t, p.batches[2].IsHead)
	require.False(t, p.batches[1].IsHead)

	// The chain moves on.
	source.mu.Lock()
	source.latest = 32
	source.mu.Unlock()
	s, err := a.processNext(ctx)
	require.NoError(t, err)
	require.Equal(t, stepIdle, s)
	require.Equal(t, [2]uint64{26, 27}, p.ranges()[3])
	require.True(t, p.batches[3].IsHead)
	require.Equal(t, uint64(28), cursor(t, store))
}

func TestChainShorterThanFinalityDepth(t *testing.T) {
	p := &mockProcessor{}
	a := setupAnalyzer(t, &config.PipelineConfig{BatchBlocks: 10}, 12, &mockSource{latest: 5}, p, memory.NewStore())
	s, err := a.processNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, stepIdle, s)
	require.Empty(t, p.batches)
}

func TestFailedBatchIsRetried(t *testing.T) {
	store := memory.NewStore()
	source := &mockSource{latest: 100}
	failures := 0
	p := &mockProcessor{fail: func(b *storage.Batch) error {
		if b.From == 11 && failures < 2 {
			failures++
			return errors.New("mock processor failure")
		}
		return nil
	}}
	a := setupAnalyzer(t, &config.PipelineConfig{From: 1, To: 30, BatchBlocks: 10}, 0, source, p, store)

	runUntilDone(t, a)

	require.Equal(t, 2, failures)
	require.Equal(t, [][2]uint64{{1, 10}, {11, 20}, {21, 30}}, p.ranges())
	// The failed range was fetched again for every attempt.
	require.Len(t, source.ranges, 5)
	require.Equal(t, uint64(31), cursor(t, store))
}

func TestResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Upsert(ctx, CursorTable, []storage.Row{{"id": "test_analyzer", "height": int64(50)}}))
	p := &mockProcessor{}
	a := setupAnalyzer(t, &config.PipelineConfig{From: 1, To: 55, BatchBlocks: 10}, 0, &mockSource{latest: 100}, p, store)

	runUntilDone(t, a)

	require.Equal(t, [][2]uint64{{50, 55}}, p.ranges())
	require.Equal(t, uint64(56), cursor(t, store))
}

func TestStopsOnCancel(t *testing.T) {
	p := &mockProcessor{}
	a := setupAnalyzer(t, &config.PipelineConfig{BatchBlocks: 10}, 0, &mockSource{latest: 5}, p, memory.NewStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(testsTimeout):
		t.Fatal("analyzer did not stop")
	}
	require.Equal(t, [][2]uint64{{0, 5}}, p.ranges())
}

func TestNewAnalyzerRejectsEmptyBatches(t *testing.T) {
	_, err := NewAnalyzer(&config.PipelineConfig{}, 0, "x", &mockSource{}, nil, &mockProcessor{}, memory.NewStore(), log.NewDiscardLogger())
	require.Error(t, err)
}
