package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/odin-mesh/gateway/pkg/storage"
)

// Stage values for hop receipts.
const (
	StageIngress = "ingress"
	StageForward = "forward"
	StageReverse = "reverse"
	StageReply   = "reply"
)

// HopReceipt is the per-stage audit record of a forwarded call.
type HopReceipt struct {
	TraceID   string `json:"trace_id"`
	HopIndex  int    `json:"hop_index"`
	Stage     string `json:"stage"`
	Route     string `json:"route"`
	Tenant    string `json:"tenant,omitempty"`
	FromKID   string `json:"from_kid,omitempty"`
	ToPeer    string `json:"to_peer,omitempty"`
	InputCID  string `json:"input_cid"`
	OutputCID string `json:"output_cid,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Outcome   string `json:"outcome"`
	CreatedTS int64  `json:"created_ts"`
}

// indexEntry is one line of hops/index/{trace_id}.ndjson.
type indexEntry struct {
	TraceID   string `json:"trace_id"`
	HopIndex  int    `json:"hop_index"`
	Key       string `json:"key"`
	CreatedTS int64  `json:"created_ts"`
}

// Recorder persists hop receipts to the store and keeps the per-trace
// chain index that orders them on read.
type Recorder struct {
	store    storage.Storage
	indexDir string
	journal  *Journal
	now      func() time.Time

	mu     sync.Mutex
	traces map[string]*sync.Mutex

	// OnWriteFailure is invoked with the receipt kind when a persist
	// fails. Wired to the receipt write failure counter.
	OnWriteFailure func(kind string)
}

func NewRecorder(store storage.Storage, indexDir string, journal *Journal) (*Recorder, error) {
	if err := os.MkdirAll(indexDir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: index dir: %w", err)
	}
	return &Recorder{
		store:    store,
		indexDir: indexDir,
		journal:  journal,
		now:      time.Now,
		traces:   make(map[string]*sync.Mutex),
	}, nil
}

func (r *Recorder) failed(kind string) {
	if r.OnWriteFailure != nil {
		r.OnWriteFailure(kind)
	}
}

// traceLock serializes index appends within one trace. Receipts for the
// same trace may arrive from different workers.
func (r *Recorder) traceLock(traceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.traces[traceID]
	if !ok {
		l = &sync.Mutex{}
		r.traces[traceID] = l
	}
	return l
}

// HopKey returns the storage key for a hop receipt. The forward stage
// owns the bare per-index key; other stages of the same hop carry a
// stage suffix so one index can hold a receipt per stage.
func HopKey(traceID string, hopIndex int, stage string) string {
	if stage == "" || stage == StageForward {
		return fmt.Sprintf("hops/%s/%08d.json", traceID, hopIndex)
	}
	return fmt.Sprintf("hops/%s/%08d.%s.json", traceID, hopIndex, stage)
}

// RecordHop persists hr and appends it to the trace's chain index.
func (r *Recorder) RecordHop(ctx context.Context, hr HopReceipt) error {
	if hr.CreatedTS == 0 {
		hr.CreatedTS = r.now().UnixMilli()
	}
	data, err := json.Marshal(hr)
	if err != nil {
		return fmt.Errorf("ledger: marshal hop receipt: %w", err)
	}

	key := HopKey(hr.TraceID, hr.HopIndex, hr.Stage)
	if err := r.store.PutBytes(ctx, key, data, "application/json"); err != nil {
		r.failed("hop")
		return fmt.Errorf("ledger: persist hop receipt: %w", err)
	}

	if err := r.appendIndex(hr.TraceID, indexEntry{
		TraceID:   hr.TraceID,
		HopIndex:  hr.HopIndex,
		Key:       key,
		CreatedTS: hr.CreatedTS,
	}); err != nil {
		r.failed("hop_index")
		return err
	}

	if r.journal != nil {
		_ = r.journal.Append(KindHopReceipt, hr)
	}
	return nil
}

// RecordEnvelope persists a proof envelope receipt under its subject CID.
func (r *Recorder) RecordEnvelope(ctx context.Context, cid string, envelopeJSON []byte) error {
	key := fmt.Sprintf("receipts/%s.env.json", cid)
	if err := r.store.PutBytes(ctx, key, envelopeJSON, "application/json"); err != nil {
		r.failed("envelope")
		return fmt.Errorf("ledger: persist envelope receipt: %w", err)
	}
	if r.journal != nil {
		_ = r.journal.Append(KindReceiptWrite, map[string]string{"key": key, "cid": cid})
	}
	return nil
}

// RecordTransform persists a transform receipt under its output CID.
func (r *Recorder) RecordTransform(ctx context.Context, outputCID string, receiptJSON []byte) error {
	key := fmt.Sprintf("receipts/transform/%s.json", outputCID)
	if err := r.store.PutBytes(ctx, key, receiptJSON, "application/json"); err != nil {
		r.failed("transform")
		return fmt.Errorf("ledger: persist transform receipt: %w", err)
	}
	if r.journal != nil {
		_ = r.journal.Append(KindReceiptWrite, map[string]string{"key": key, "cid": outputCID})
	}
	return nil
}

func (r *Recorder) indexPath(traceID string) string {
	return filepath.Join(r.indexDir, traceID+".ndjson")
}

func (r *Recorder) appendIndex(traceID string, e indexEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal index entry: %w", err)
	}
	line = append(line, '\n')

	l := r.traceLock(traceID)
	l.Lock()
	defer l.Unlock()
	f, err := os.OpenFile(r.indexPath(traceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("ledger: open chain index: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("ledger: append chain index: %w", err)
	}
	return nil
}

// Chain returns the trace's hop receipts ordered by (hop_index, created_ts).
// An unknown trace yields an empty chain.
func (r *Recorder) Chain(ctx context.Context, traceID string) ([]HopReceipt, error) {
	data, err := os.ReadFile(r.indexPath(traceID))
	if os.IsNotExist(err) {
		return []HopReceipt{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read chain index: %w", err)
	}

	var entries []indexEntry
	for _, line := range splitLines(data) {
		var e indexEntry
		if json.Unmarshal(line, &e) == nil && e.Key != "" {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HopIndex != entries[j].HopIndex {
			return entries[i].HopIndex < entries[j].HopIndex
		}
		return entries[i].CreatedTS < entries[j].CreatedTS
	})

	chain := make([]HopReceipt, 0, len(entries))
	for _, e := range entries {
		raw, err := r.store.GetBytes(ctx, e.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: load hop %s: %w", e.Key, err)
		}
		var hr HopReceipt
		if err := json.Unmarshal(raw, &hr); err != nil {
			return nil, fmt.Errorf("ledger: decode hop %s: %w", e.Key, err)
		}
		chain = append(chain, hr)
	}
	return chain, nil
}
