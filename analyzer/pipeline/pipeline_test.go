package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/analyzer/batchctx"
	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/plugin"
	"github.com/chillwhales/lsp-indexer/analyzer/verification"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/memory"
)

var (
	topicEmit = ethCommon.Hash{0x01}
	topicKey  = ethCommon.Hash{0x02}
	dataKey   = ethCommon.Hash{0xaa}
)

type record struct {
	id      string
	emitter string
	linked  bool
}

func (r *record) EntityID() string { return r.id }

var records = batchctx.NewEntityType[*record]("record")

// trace collects the calls made to the test plugins, in order.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
}

// emitPlugin turns every log into a record owned by the emitter, which has
// to be a universal profile.
type emitPlugin struct {
	name  string
	trace *trace
	scope *plugin.ContractScope
	fail  string
	// undeclared hides the category the plugin tracks.
	undeclared bool
}

func (p *emitPlugin) Name() string { return p.name }
func (p *emitPlugin) Categories() []common.EntityCategory {
	if p.undeclared {
		return nil
	}
	return []common.EntityCategory{common.CategoryUniversalProfile}
}
func (p *emitPlugin) Topic() ethCommon.Hash { return topicEmit }
func (p *emitPlugin) Scope() *plugin.ContractScope { return p.scope }

func (p *emitPlugin) err(phase string) error {
	if p.fail == phase {
		return errors.New("boom")
	}
	return nil
}

func (p *emitPlugin) Extract(bctx *batchctx.Context, ev *plugin.Event) error {
	p.trace.add("extract %s", p.name)
	emitter := ev.Log.Address.Hex()
	bctx.TrackAddress(common.CategoryUniversalProfile, emitter)
	batchctx.Add(bctx, records, &record{id: fmt.Sprintf("%d-%d", ev.Block.Height, ev.Log.Index), emitter: emitter})
	return p.err(phaseExtract)
}

func (p *emitPlugin) Populate(bctx *batchctx.Context) error {
	p.trace.add("populate %s", p.name)
	for _, r := range batchctx.All(bctx, records) {
		if !bctx.IsValid(common.CategoryUniversalProfile, r.emitter) {
			batchctx.Remove(bctx, records, r.id)
			continue
		}
		r.linked = true
	}
	return p.err(phasePopulate)
}

func (p *emitPlugin) ClearSubEntities(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	p.trace.add("clear %s", p.name)
	return nil
}

func (p *emitPlugin) Persist(ctx context.Context, store storage.Store, bctx *batchctx.Context) error {
	p.trace.add("persist %s", p.name)
	rows := []storage.Row{}
	for _, r := range batchctx.All(bctx, records) {
		// The parent row must already be there.
		parents, err := store.FindBy(ctx, common.CategoryUniversalProfile.Table(), "id", r.emitter)
		if err != nil {
			return err
		}
		if len(parents) != 1 {
			return fmt.Errorf("record %s persisted before its profile", r.id)
		}
		rows = append(rows, storage.Row{"id": r.id, "emitter": r.emitter})
	}
	if len(rows) > 0 {
		if err := store.Upsert(ctx, "record", rows); err != nil {
			return err
		}
	}
	return p.err(phasePersist)
}

func (p *emitPlugin) Handle(ctx context.Context, hctx *plugin.HandleContext) error {
	p.trace.add("handle %s", p.name)
	for _, r := range batchctx.All(hctx.Context, records) {
		hctx.Context.EnqueueFetch(fetcher.Request{ID: r.id, URL: "ipfs://" + r.id, EntityType: "Meta"})
	}
	return p.err(phaseHandle)
}

// keyEmitter is a meta-plugin dispatching every log as a data key write.
type keyEmitter struct {
	trace *trace
}

func (p *keyEmitter) Name() string { return "keys" }
func (p *keyEmitter) Categories() []common.EntityCategory { return nil }
func (p *keyEmitter) Topic() ethCommon.Hash { return topicKey }
func (p *keyEmitter) Scope() *plugin.ContractScope { return nil }
func (p *keyEmitter) Populate(*batchctx.Context) error { return nil }
func (p *keyEmitter) Persist(context.Context, storage.Store, *batchctx.Context) error {
	return nil
}

func (p *keyEmitter) Extract(bctx *batchctx.Context, ev *plugin.Event) error {
	kp := ev.DataKeys.Route(dataKey)
	if kp == nil {
		return nil
	}
	return kp.ExtractDataKey(bctx, &plugin.DataKeyEvent{Event: ev, Key: dataKey, Value: ev.Log.Data})
}

type keyPlugin struct {
	trace *trace
}

func (p *keyPlugin) Name() string { return "key" }
func (p *keyPlugin) Categories() []common.EntityCategory { return nil }
func (p *keyPlugin) Matches(key ethCommon.Hash) bool { return key == dataKey }
func (p *keyPlugin) Populate(*batchctx.Context) error { return nil }
func (p *keyPlugin) Persist(context.Context, storage.Store, *batchctx.Context) error {
	return nil
}

func (p *keyPlugin) ExtractDataKey(bctx *batchctx.Context, ev *plugin.DataKeyEvent) error {
	p.trace.add("key %x", ev.Value)
	return nil
}

func (p *keyPlugin) FetchEntityType() string { return "Meta" }

func (p *keyPlugin) HandleFetchResults(ctx context.Context, store storage.Store, results []fetcher.Result) error {
	for _, r := range results {
		p.trace.add("fetched %s %v", r.ID, r.Success)
	}
	return nil
}

// verifier accepts the addresses in valid, in every category.
type verifier struct {
	mu    sync.Mutex
	valid common.AddressSet
	calls map[common.EntityCategory]int
	err   error
}

func (v *verifier) Verify(ctx context.Context, category common.EntityCategory, addresses []string, store storage.Store) (*verification.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.calls == nil {
		v.calls = map[common.EntityCategory]int{}
	}
	v.calls[category]++
	if v.err != nil {
		return nil, v.err
	}
	r := verification.NewResult(category)
	for _, a := range addresses {
		if !v.valid.Has(a) {
			r.Invalid.Add(a)
			continue
		}
		r.Valid.Add(a)
		r.New.Add(a)
		r.NewEntities[a] = verification.Entity{ID: a, Address: a}
	}
	return r, nil
}

type pool struct {
	mu       sync.Mutex
	requests []fetcher.Request
}

func (p *pool) FetchBatch(ctx context.Context, reqs []fetcher.Request) ([]fetcher.Result, error) {
	p.mu.Lock()
	p.requests = append(p.requests, reqs...)
	p.mu.Unlock()
	out := make([]fetcher.Result, len(reqs))
	for i, r := range reqs {
		out[i] = fetcher.Result{ID: r.ID, EntityType: r.EntityType, Success: true, Request: r, Attempts: 1}
	}
	return out, nil
}

func emitter(i int64) ethCommon.Address {
	return ethCommon.BigToAddress(big.NewInt(i))
}

func batch(isHead bool, logs ...types.Log) *storage.Batch {
	for i := range logs {
		logs[i].Index = uint(i)
	}
	return &storage.Batch{
		From:   10,
		To:     10,
		IsHead: isHead,
		Blocks: []*storage.Block{{Header: storage.Header{Height: 10}, Logs: logs}},
	}
}

type fixture struct {
	trace    *trace
	emit     *emitPlugin
	verifier *verifier
	store    *memory.Store
	pool     *pool
	pipeline *Pipeline
}

func newFixture(t *testing.T, withPool bool) *fixture {
	tr := &trace{}
	f := &fixture{
		trace:    tr,
		emit:     &emitPlugin{name: "emit", trace: tr},
		verifier: &verifier{valid: common.NewAddressSet(emitter(1).Hex())},
		store:    memory.NewStore(),
		pool:     &pool{},
	}
	registry, err := plugin.NewRegistry([]plugin.Plugin{f.emit, &keyEmitter{trace: tr}, &keyPlugin{trace: tr}})
	require.NoError(t, err)
	var p Fetcher
	if withPool {
		p = f.pool
	}
	f.pipeline = New(registry, f.verifier, f.store, p, log.NewDiscardLogger())
	return f
}

func TestProcessBatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	summary, err := f.pipeline.ProcessBatch(ctx, batch(true,
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
		types.Log{Address: emitter(2), Topics: []ethCommon.Hash{topicEmit}},
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicKey}, Data: []byte{0xbe, 0xef}},
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{{0x99}}},
		types.Log{Address: emitter(1)},
	))
	require.NoError(t, err)

	require.Equal(t, []string{
		"extract emit",
		"extract emit",
		"key beef",
		"populate emit",
		"clear emit",
		"persist emit",
		"handle emit",
		"fetched 10-0 true",
	}, f.trace.calls)

	require.Equal(t, 3, summary.Logs)
	require.Equal(t, CategorySummary{New: 1, Valid: 1, Invalid: 1}, summary.Categories[common.CategoryUniversalProfile])
	require.Equal(t, map[string]int{"record": 1}, summary.Entities)
	require.Equal(t, map[string]int{"universal_profile": 1, "record": 1}, summary.Rows)
	require.Equal(t, 1, summary.Fetched)
	require.Zero(t, summary.FetchDropped)
	require.Empty(t, summary.Undeclared)

	require.Equal(t, 1, f.store.Len("universal_profile"))
	require.Equal(t, 1, f.store.Len("record"))
	require.Equal(t, 1, f.verifier.calls[common.CategoryUniversalProfile])
	require.Len(t, f.verifier.calls, 1)
	require.Len(t, f.pool.requests, 1)
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	b := batch(false, types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}})

	_, err := f.pipeline.ProcessBatch(ctx, b)
	require.NoError(t, err)
	first, ok := f.store.Get("record", "10-0")
	require.True(t, ok)

	_, err = f.pipeline.ProcessBatch(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Len("record"))
	require.Equal(t, 1, f.store.Len("universal_profile"))
	again, ok := f.store.Get("record", "10-0")
	require.True(t, ok)
	require.Equal(t, first, again)
}

func TestFetchesDroppedOffHead(t *testing.T) {
	for _, tc := range []struct {
		name     string
		isHead   bool
		withPool bool
	}{
		{"behind head", false, true},
		{"no pool", true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.withPool)
			summary, err := f.pipeline.ProcessBatch(context.Background(), batch(tc.isHead,
				types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
			))
			require.NoError(t, err)
			require.Equal(t, 1, summary.FetchDropped)
			require.Zero(t, summary.Fetched)
			require.Empty(t, f.pool.requests)
			require.NotContains(t, f.trace.calls, "fetched 10-0 true")
		})
	}
}

func TestScopedPluginSkipsForeignLogs(t *testing.T) {
	tr := &trace{}
	scoped := &emitPlugin{name: "scoped", trace: tr, scope: &plugin.ContractScope{Address: emitter(1), FromBlock: 10}}
	registry, err := plugin.NewRegistry([]plugin.Plugin{scoped})
	require.NoError(t, err)
	p := New(registry, &verifier{valid: common.NewAddressSet()}, memory.NewStore(), nil, log.NewDiscardLogger())

	summary, err := p.ProcessBatch(context.Background(), batch(false,
		types.Log{Address: emitter(2), Topics: []ethCommon.Hash{topicEmit}},
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
	))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Logs)

	scoped.scope.FromBlock = 11
	summary, err = p.ProcessBatch(context.Background(), batch(false,
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
	))
	require.NoError(t, err)
	require.Zero(t, summary.Logs)
	require.Empty(t, summary.Categories)
}

func TestPhaseErrorsAbortTheBatch(t *testing.T) {
	for _, phase := range []string{phaseExtract, phasePopulate, phasePersist, phaseHandle} {
		t.Run(phase, func(t *testing.T) {
			f := newFixture(t, true)
			f.emit.fail = phase
			_, err := f.pipeline.ProcessBatch(context.Background(), batch(true,
				types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
			))
			require.Error(t, err)
			require.Contains(t, err.Error(), phase+": ")
			require.Equal(t, fmt.Sprintf("%s emit", phase), f.trace.calls[len(f.trace.calls)-1])
			require.Empty(t, f.pool.requests)
		})
	}

	t.Run(phaseVerify, func(t *testing.T) {
		f := newFixture(t, true)
		f.verifier.err = errors.New("rpc down")
		_, err := f.pipeline.ProcessBatch(context.Background(), batch(true,
			types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
		))
		require.ErrorIs(t, err, f.verifier.err)
		require.Contains(t, err.Error(), "verify: ")
		require.Equal(t, []string{"extract emit"}, f.trace.calls)
		require.Zero(t, f.store.Len("universal_profile"))
	})
}

func TestUndeclaredCategoryIsStillVerified(t *testing.T) {
	tr := &trace{}
	emit := &emitPlugin{name: "emit", trace: tr, undeclared: true}
	registry, err := plugin.NewRegistry([]plugin.Plugin{emit})
	require.NoError(t, err)
	require.Empty(t, registry.RequiredCategories())
	v := &verifier{valid: common.NewAddressSet(emitter(1).Hex())}
	p := New(registry, v, memory.NewStore(), nil, log.NewDiscardLogger())

	summary, err := p.ProcessBatch(context.Background(), batch(false,
		types.Log{Address: emitter(1), Topics: []ethCommon.Hash{topicEmit}},
	))
	require.NoError(t, err)
	require.Equal(t, []common.EntityCategory{common.CategoryUniversalProfile}, summary.Undeclared)
	require.Equal(t, 1, v.calls[common.CategoryUniversalProfile])
	require.Equal(t, CategorySummary{New: 1, Valid: 1}, summary.Categories[common.CategoryUniversalProfile])
}
