package ledger

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-mesh/gateway/pkg/storage"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir := t.TempDir()
	journal, err := NewJournal(filepath.Join(dir, "ledger.ndjson"))
	require.NoError(t, err)
	r, err := NewRecorder(storage.NewMemoryStore(), filepath.Join(dir, "hops", "index"), journal)
	require.NoError(t, err)
	return r
}

func TestJournalAppendRead(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "ledger.ndjson"))
	require.NoError(t, err)

	require.NoError(t, j.Append(KindPolicyReload, map[string]string{"target": "policy"}))
	require.NoError(t, j.Append(KindKeyRotate, nil))

	entries, err := j.Read()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindPolicyReload, entries[0].Kind)
	assert.Equal(t, KindKeyRotate, entries[1].Kind)
	assert.NotZero(t, entries[0].TSNs)
	assert.JSONEq(t, `{"target":"policy"}`, string(entries[0].Body))
}

func TestJournalReadMissingFile(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "ledger.ndjson"))
	require.NoError(t, err)
	entries, err := j.Read()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordHopAndChain(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordHop(ctx, HopReceipt{
			TraceID:  "trace-1",
			HopIndex: i,
			Stage:    StageForward,
			Route:    "/v1/bridge",
			InputCID: "cid-in",
			Outcome:  "ok",
		}))
	}

	chain, err := r.Chain(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, hr := range chain {
		assert.Equal(t, i, hr.HopIndex)
		assert.NotZero(t, hr.CreatedTS)
	}
}

func TestChainOrderedDespiteWriteOrder(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	order := []int{4, 1, 3, 0, 2}
	for _, idx := range order {
		require.NoError(t, r.RecordHop(ctx, HopReceipt{
			TraceID:  "trace-ooo",
			HopIndex: idx,
			Stage:    StageForward,
			InputCID: "cid",
			Outcome:  "ok",
		}))
	}

	chain, err := r.Chain(ctx, "trace-ooo")
	require.NoError(t, err)
	require.Len(t, chain, 5)
	for i, hr := range chain {
		assert.Equal(t, i, hr.HopIndex)
	}
}

func TestChainUnknownTraceEmpty(t *testing.T) {
	r := newRecorder(t)
	chain, err := r.Chain(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.NotNil(t, chain)
	assert.Empty(t, chain)
}

func TestChainConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	const hops = 32
	var wg sync.WaitGroup
	indices := rand.Perm(hops)
	for _, idx := range indices {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = r.RecordHop(ctx, HopReceipt{
				TraceID:  "trace-par",
				HopIndex: idx,
				Stage:    StageForward,
				InputCID: "cid",
				Outcome:  "ok",
			})
		}(idx)
	}
	wg.Wait()

	chain, err := r.Chain(ctx, "trace-par")
	require.NoError(t, err)
	require.Len(t, chain, hops)
	for i, hr := range chain {
		assert.Equal(t, i, hr.HopIndex)
	}
}

func TestRecordEnvelopeAndTransformKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r, err := NewRecorder(store, filepath.Join(t.TempDir(), "index"), nil)
	require.NoError(t, err)

	require.NoError(t, r.RecordEnvelope(ctx, "bcidxyz", []byte(`{"cid":"bcidxyz"}`)))
	require.NoError(t, r.RecordTransform(ctx, "bcidout", []byte(`{"output_cid":"bcidout"}`)))

	_, err = store.GetBytes(ctx, "receipts/bcidxyz.env.json")
	assert.NoError(t, err)
	_, err = store.GetBytes(ctx, "receipts/transform/bcidout.json")
	assert.NoError(t, err)
}

func TestRecordHopFailureCounter(t *testing.T) {
	r, err := NewRecorder(failingStore{}, filepath.Join(t.TempDir(), "index"), nil)
	require.NoError(t, err)

	var kinds []string
	r.OnWriteFailure = func(kind string) { kinds = append(kinds, kind) }

	err = r.RecordHop(context.Background(), HopReceipt{TraceID: "t", HopIndex: 0})
	assert.Error(t, err)
	assert.Equal(t, []string{"hop"}, kinds)
}

func TestSameTraceDuplicateHopKeptByTimestamp(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	base := time.Now().UnixMilli()

	// Two receipts claim hop 1; the chain orders them by created_ts.
	require.NoError(t, r.RecordHop(ctx, HopReceipt{
		TraceID: "t", HopIndex: 0, Stage: StageIngress, InputCID: "a", Outcome: "ok", CreatedTS: base,
	}))
	require.NoError(t, r.RecordHop(ctx, HopReceipt{
		TraceID: "t", HopIndex: 1, Stage: StageForward, InputCID: "b", Outcome: "ok", CreatedTS: base + 5,
	}))

	chain, err := r.Chain(ctx, "t")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, StageIngress, chain[0].Stage)
	assert.Equal(t, StageForward, chain[1].Stage)
}

func TestHopKeyStageSuffix(t *testing.T) {
	assert.Equal(t, "hops/t/00000002.json", HopKey("t", 2, StageForward))
	assert.Equal(t, "hops/t/00000002.json", HopKey("t", 2, ""))
	assert.Equal(t, "hops/t/00000002.reverse.json", HopKey("t", 2, StageReverse))
	assert.Equal(t, "hops/t/00000002.reply.json", HopKey("t", 2, StageReply))
}

func TestAllStagesOfOneHopCoexist(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	base := time.Now().UnixMilli()

	for i, stage := range []string{StageForward, StageReverse, StageReply} {
		require.NoError(t, r.RecordHop(ctx, HopReceipt{
			TraceID:   "t-stages",
			HopIndex:  3,
			Stage:     stage,
			InputCID:  "cid",
			Outcome:   "ok",
			CreatedTS: base + int64(i),
		}))
	}

	chain, err := r.Chain(ctx, "t-stages")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, StageForward, chain[0].Stage)
	assert.Equal(t, StageReverse, chain[1].Stage)
	assert.Equal(t, StageReply, chain[2].Stage)
}

type failingStore struct{}

func (failingStore) PutBytes(context.Context, string, []byte, string) error {
	return assert.AnError
}
func (failingStore) GetBytes(context.Context, string) ([]byte, error) {
	return nil, assert.AnError
}
func (failingStore) List(context.Context, string, int) ([]string, error) {
	return nil, assert.AnError
}
func (failingStore) Delete(context.Context, string) error { return assert.AnError }
