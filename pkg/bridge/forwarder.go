package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odin-mesh/gateway/pkg/httpsig"
	"github.com/odin-mesh/gateway/pkg/keys"
	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/oml"
	"github.com/odin-mesh/gateway/pkg/roaming"
	"github.com/odin-mesh/gateway/pkg/translate"
)

// Recorder receives one hop receipt per outgoing call.
type Recorder interface {
	RecordHop(ctx context.Context, hr ledger.HopReceipt) error
}

// Config bounds outbound hop resilience.
type Config struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	MaxHops int

	// AllowedHeaders are the only inbound headers copied outbound.
	AllowedHeaders []string
	// SignOutbound attaches an HTTP signature to each hop.
	SignOutbound bool
	// IdentityTTL bounds the audience-scoped identity token.
	IdentityTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		Retries:        2,
		Backoff:        250 * time.Millisecond,
		MaxHops:        MaxHops,
		AllowedHeaders: []string{"Content-Type", "Accept", "X-ODIN-Agent"},
		SignOutbound:   true,
		IdentityTTL:    2 * time.Minute,
	}
}

// Forwarder executes bridge requests.
type Forwarder struct {
	Translator *translate.Engine
	Keys       *keys.Registry
	Receipts   Recorder
	Guard      *SSRFGuard
	Config     Config
	Issuer     string

	// OnHop is invoked with the outcome label after every outbound
	// attempt cycle. Wired to hop counters.
	OnHop func(outcome string, latency time.Duration)
	// OnIdentityMiss is invoked when a call proceeds without an identity
	// token because none could be minted.
	OnIdentityMiss func()

	client *http.Client
	signer *httpsig.Signer
	logger *slog.Logger
	now    func() time.Time
}

func NewForwarder(translator *translate.Engine, reg *keys.Registry, receipts Recorder, cfg Config) *Forwarder {
	guard := NewSSRFGuard()
	return &Forwarder{
		Translator: translator,
		Keys:       reg,
		Receipts:   receipts,
		Guard:      guard,
		Config:     cfg,
		client: &http.Client{
			Timeout:       cfg.Timeout,
			CheckRedirect: guard.CheckRedirect,
		},
		signer: httpsig.NewSigner(reg),
		logger: slog.Default().With("component", "bridge"),
		now:    time.Now,
	}
}

// Forward runs translate-then-forward. Without a target URL the
// translated payload is returned directly.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.HopCount >= f.Config.MaxHops {
		return nil, fmt.Errorf("%w: %d", ErrHopLimit, req.HopCount)
	}

	resp := &Response{Payload: req.Payload, TraceID: req.TraceID, HopIndex: req.HopCount}

	if req.FromSFT != "" && req.ToSFT != "" {
		tr, err := f.Translator.Translate(ctx, translate.Request{
			Payload: req.Payload,
			FromSFT: req.FromSFT,
			ToSFT:   req.ToSFT,
		})
		if err != nil {
			return nil, err
		}
		resp.Payload = tr.Output
		resp.Translated = true
		resp.TransformReceiptKey = tr.ReceiptKey
	}

	if req.TargetURL == "" {
		return resp, nil
	}

	if err := f.Guard.Check(req.TargetURL); err != nil {
		return nil, err
	}

	start := f.now()
	upstream, status, err := f.callWithRetries(ctx, req, resp.Payload)
	latency := f.now().Sub(start)

	outcome := "ok"
	errKind := ""
	if err != nil {
		outcome = "error"
		errKind = classify(err)
	}
	if f.OnHop != nil {
		f.OnHop(outcome, latency)
	}
	f.recordHop(ctx, req, resp.Payload, upstream, latency, outcome, errKind)

	if err != nil {
		return nil, err
	}
	resp.Upstream = upstream
	resp.Status = status
	f.reversePass(ctx, req, resp)
	return resp, nil
}

// reversePass translates the upstream response back to the caller's
// format when a reverse map is declared, emitting a reverse transform
// receipt and a reverse-stage hop receipt.
func (f *Forwarder) reversePass(ctx context.Context, req Request, resp *Response) {
	if f.Translator == nil || resp.Upstream == nil || req.FromSFT == "" || req.ToSFT == "" {
		return
	}
	if _, ok := f.Translator.Maps.Reverse(req.FromSFT, req.ToSFT); !ok {
		return
	}

	tr, err := f.Translator.Translate(ctx, translate.Request{
		Payload: resp.Upstream,
		FromSFT: req.ToSFT,
		ToSFT:   req.FromSFT,
	})
	if err != nil {
		f.logger.Warn("reverse translation failed", "trace_id", req.TraceID, "error", err)
		return
	}
	resp.Reverse = tr.Output
	resp.ReverseReceiptKey = tr.ReceiptKey

	if f.Receipts == nil {
		return
	}
	fromKID := ""
	if active, ok := f.Keys.Active(); ok {
		fromKID = active.KID
	}
	hr := ledger.HopReceipt{
		TraceID:   req.TraceID,
		HopIndex:  req.HopCount,
		Stage:     ledger.StageReverse,
		Route:     req.TargetURL,
		Tenant:    req.Tenant,
		FromKID:   fromKID,
		InputCID:  cidOf(resp.Upstream),
		OutputCID: cidOf(tr.Output),
		Outcome:   "ok",
	}
	if err := f.Receipts.RecordHop(ctx, hr); err != nil {
		f.logger.Warn("hop receipt write failed", "trace_id", req.TraceID, "error", err)
	}
}

// callWithRetries retries on 5xx and network errors only, with
// exponential backoff. 4xx surfaces immediately as an UpstreamError.
func (f *Forwarder) callWithRetries(ctx context.Context, req Request, payload map[string]any) (map[string]any, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: marshal payload: %w", err)
	}

	identity := ""
	if f.Config.IdentityTTL > 0 {
		token, err := f.identityToken(req.TargetURL)
		if err != nil {
			f.logger.Warn("identity token unavailable", "target", req.TargetURL, "error", err)
			if f.OnIdentityMiss != nil {
				f.OnIdentityMiss()
			}
		} else {
			identity = token
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.Config.Retries; attempt++ {
		if attempt > 0 {
			backoff := f.Config.Backoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, 0, &NetworkError{Target: req.TargetURL, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		upstream, status, err := f.callOnce(ctx, req, body, identity)
		if err == nil {
			return upstream, status, nil
		}
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Status < 500 {
			return nil, 0, err
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (f *Forwarder) callOnce(ctx context.Context, req Request, body []byte, identity string) (map[string]any, int, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: build request: %w", err)
	}
	out.Header.Set("Content-Type", "application/json")
	for _, h := range f.Config.AllowedHeaders {
		if v, ok := req.Headers[h]; ok && v != "" {
			out.Header.Set(h, v)
		}
	}
	out.Header.Set(HeaderTraceID, req.TraceID)
	out.Header.Set(HeaderHopCount, fmt.Sprintf("%d", req.HopCount+1))
	if req.RoamingPass != "" {
		out.Header.Set(roaming.HeaderName, req.RoamingPass)
	}

	if identity != "" {
		out.Header.Set(HeaderIdentity, identity)
	}
	if f.Config.SignOutbound {
		if err := f.signer.Sign(out); err != nil {
			return nil, 0, fmt.Errorf("bridge: sign outbound: %w", err)
		}
	}

	httpResp, err := f.client.Do(out)
	if err != nil {
		return nil, 0, &NetworkError{Target: req.TargetURL, Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, 0, &NetworkError{Target: req.TargetURL, Err: err}
	}

	if httpResp.StatusCode >= 400 {
		return nil, 0, &UpstreamError{Status: httpResp.StatusCode, Body: snapshot(raw)}
	}

	var upstream map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &upstream); err != nil {
			return nil, 0, fmt.Errorf("bridge: decode response: %w", err)
		}
	}
	return upstream, httpResp.StatusCode, nil
}

// identityToken mints a short-lived token bound to the target origin.
func (f *Forwarder) identityToken(target string) (string, error) {
	active, ok := f.Keys.Active()
	if !ok || active.Private == nil {
		return "", fmt.Errorf("bridge: no active signing key")
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("bridge: target url: %w", err)
	}
	now := f.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    f.Issuer,
		Subject:   f.Issuer,
		Audience:  jwt.ClaimStrings{u.Scheme + "://" + u.Host},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(f.Config.IdentityTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = active.KID
	return token.SignedString(active.Private)
}

func (f *Forwarder) recordHop(ctx context.Context, req Request, payload, upstream map[string]any, latency time.Duration, outcome, errKind string) {
	if f.Receipts == nil {
		return
	}
	inputCID := cidOf(payload)
	outputCID := ""
	if upstream != nil {
		outputCID = cidOf(upstream)
	}
	fromKID := ""
	if active, ok := f.Keys.Active(); ok {
		fromKID = active.KID
	}
	result := outcome
	if errKind != "" {
		result = outcome + ":" + errKind
	}
	hr := ledger.HopReceipt{
		TraceID:   req.TraceID,
		HopIndex:  req.HopCount,
		Stage:     ledger.StageForward,
		Route:     req.TargetURL,
		Tenant:    req.Tenant,
		FromKID:   fromKID,
		ToPeer:    req.TargetURL,
		InputCID:  inputCID,
		OutputCID: outputCID,
		LatencyMS: latency.Milliseconds(),
		Outcome:   result,
	}
	if err := f.Receipts.RecordHop(ctx, hr); err != nil {
		f.logger.Warn("hop receipt write failed", "trace_id", req.TraceID, "error", err)
	}
}

func classify(err error) string {
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		return fmt.Sprintf("upstream_%d", ue.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "network"
	}
}

func snapshot(raw []byte) string {
	const max = 2048
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}

func cidOf(v map[string]any) string {
	cid, err := oml.CIDForValue(v)
	if err != nil {
		return ""
	}
	return cid
}
