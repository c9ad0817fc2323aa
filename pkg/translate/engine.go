package translate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/keys"
	"github.com/odin-mesh/gateway/pkg/oml"
)

// TransformReceipt binds input, map, and output content addresses. The
// linkage hash commits to the exact bytes of all three parts.
type TransformReceipt struct {
	InputCID    string `json:"input_cid"`
	MapID       string `json:"map_id"`
	OutputCID   string `json:"output_cid"`
	FromSFT     string `json:"from_sft"`
	ToSFT       string `json:"to_sft"`
	LinkageHash string `json:"linkage_hash"`
}

// Typed failures surfaced to the HTTP layer.
var (
	ErrInputInvalid  = errors.New("translate: input schema violation")
	ErrOutputInvalid = errors.New("translate: output schema violation")
	ErrCoverage      = errors.New("translate: coverage below gate")
)

// CoverageError carries the numbers behind an ErrCoverage.
type CoverageError struct {
	CoveragePct float64
	Required    float64
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("translate: coverage %.1f%% below required %.1f%%", e.CoveragePct, e.Required)
}

func (e *CoverageError) Unwrap() error { return ErrCoverage }

// ReceiptStore persists signed transform receipts.
type ReceiptStore interface {
	RecordTransform(ctx context.Context, outputCID string, receiptJSON []byte) error
}

// Request is one mapping invocation.
type Request struct {
	Payload map[string]any
	FromSFT string
	ToSFT   string
	// InlineMap overrides directory resolution when present.
	InlineMap *Map
}

// Response carries the translated payload and both receipts.
type Response struct {
	Output      map[string]any
	Translation *TranslationReceipt
	Transform   *TransformReceipt
	// Proof is the signed envelope over the transform receipt.
	Proof *envelope.Envelope
	// ReceiptKey is where the signed receipt was persisted.
	ReceiptKey string
}

// Engine executes mapping requests end to end: resolve, validate input,
// apply, validate output, gate coverage, round-trip, sign, persist.
type Engine struct {
	Maps     *Registry
	Schemas  *SchemaRegistry
	Keys     *keys.Registry
	Receipts ReceiptStore

	// CoverageGatePct rejects results preserving too little of the
	// source. Zero disables the gate.
	CoverageGatePct float64

	now func() time.Time
}

func NewEngine(maps *Registry, schemas *SchemaRegistry, reg *keys.Registry, receipts ReceiptStore) *Engine {
	return &Engine{Maps: maps, Schemas: schemas, Keys: reg, Receipts: receipts, now: time.Now}
}

// Translate runs one mapping request.
func (e *Engine) Translate(ctx context.Context, req Request) (*Response, error) {
	m := req.InlineMap
	if m == nil {
		var err error
		m, err = e.Maps.Resolve(req.FromSFT, req.ToSFT)
		if err != nil {
			return nil, err
		}
	} else if err := m.Validate(); err != nil {
		return nil, err
	}

	if e.Schemas != nil {
		if err := e.Schemas.Validate(m.FromSFT, req.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInputInvalid, err)
		}
	}

	now := e.now()
	output, receipt, err := Apply(req.Payload, m, now)
	if err != nil {
		var enumErr *EnumError
		if errors.As(err, &enumErr) {
			return nil, fmt.Errorf("%w: %v", ErrOutputInvalid, enumErr.Violations)
		}
		return nil, err
	}

	if e.Schemas != nil {
		if err := e.Schemas.Validate(m.ToSFT, output); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutputInvalid, err)
		}
	}

	if e.CoverageGatePct > 0 && receipt.CoveragePct < e.CoverageGatePct {
		return nil, &CoverageError{CoveragePct: receipt.CoveragePct, Required: e.CoverageGatePct}
	}

	if reverse, ok := e.Maps.Reverse(m.FromSFT, m.ToSFT); ok {
		ok, similarity := roundTrip(req.Payload, output, reverse, now)
		receipt.RoundTripOK = &ok
		receipt.SimilarityPct = &similarity
	}

	tr, proof, key, err := e.emitTransformReceipt(ctx, req.Payload, m, output)
	if err != nil {
		return nil, err
	}

	return &Response{
		Output:      output,
		Translation: receipt,
		Transform:   tr,
		Proof:       proof,
		ReceiptKey:  key,
	}, nil
}

// emitTransformReceipt computes CIDs and the linkage hash, signs the
// receipt with the active key, and persists it.
func (e *Engine) emitTransformReceipt(ctx context.Context, input map[string]any, m *Map, output map[string]any) (*TransformReceipt, *envelope.Envelope, string, error) {
	inputB, err := oml.Encode(input)
	if err != nil {
		return nil, nil, "", fmt.Errorf("translate: encode input: %w", err)
	}
	outputB, err := oml.Encode(output)
	if err != nil {
		return nil, nil, "", fmt.Errorf("translate: encode output: %w", err)
	}
	mapB, err := oml.Encode(m)
	if err != nil {
		return nil, nil, "", fmt.Errorf("translate: encode map: %w", err)
	}

	tr := &TransformReceipt{
		InputCID:    oml.CID(inputB),
		MapID:       m.ID(),
		OutputCID:   oml.CID(outputB),
		FromSFT:     m.FromSFT,
		ToSFT:       m.ToSFT,
		LinkageHash: LinkageHash(inputB, mapB, outputB),
	}

	var proof *envelope.Envelope
	if e.Keys != nil {
		active, ok := e.Keys.Active()
		if !ok {
			return nil, nil, "", fmt.Errorf("translate: no active signing key")
		}
		proof, _, err = envelope.Sign(tr, active)
		if err != nil {
			return nil, nil, "", fmt.Errorf("translate: sign receipt: %w", err)
		}
	}

	key := fmt.Sprintf("receipts/transform/%s.json", tr.OutputCID)
	if e.Receipts != nil {
		signed := map[string]any{"subject": tr}
		if proof != nil {
			signed["envelope"] = proof
		}
		data, err := json.Marshal(signed)
		if err != nil {
			return nil, nil, "", fmt.Errorf("translate: marshal receipt: %w", err)
		}
		if err := e.Receipts.RecordTransform(ctx, tr.OutputCID, data); err != nil {
			return nil, nil, "", err
		}
	}
	return tr, proof, key, nil
}

// LinkageHash commits to input bytes, map bytes, and output bytes with
// 0x1f separators, hashed with blake3.
func LinkageHash(inputB, mapB, outputB []byte) string {
	buf := make([]byte, 0, len(inputB)+len(mapB)+len(outputB)+2)
	buf = append(buf, inputB...)
	buf = append(buf, 0x1f)
	buf = append(buf, mapB...)
	buf = append(buf, 0x1f)
	buf = append(buf, outputB...)
	sum := oml.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
