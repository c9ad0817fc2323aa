package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/odin-mesh/gateway/pkg/keys"
)

// DefaultSkew bounds |now - created|.
const DefaultSkew = 300 * time.Second

// FailureCounter increments a labeled counter per rejection reason.
// Wired from the metrics package.
type FailureCounter func(reason string)

// Verifier validates signed requests against the key registry.
type Verifier struct {
	Keys    *keys.Registry
	Skew    time.Duration
	OnError FailureCounter

	nonces *nonceCache
	now    func() time.Time
}

// NewVerifier builds a verifier with the given skew. The nonce window is
// 2×skew with at least 10 000 entries per shard.
func NewVerifier(reg *keys.Registry, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{
		Keys:   reg,
		Skew:   skew,
		nonces: newNonceCache(10000, 2*skew),
		now:    time.Now,
	}
}

// Verify checks the request signature. It returns the parsed parameters on
// success so callers can log the signing kid.
func (v *Verifier) Verify(r *http.Request) (Params, error) {
	fail := func(reason string, err error) (Params, error) {
		if v.OnError != nil {
			v.OnError(reason)
		}
		return Params{}, err
	}

	inputHeader := r.Header.Get(HeaderSignatureInput)
	sigHeader := r.Header.Get(HeaderSignature)
	if inputHeader == "" || sigHeader == "" {
		return fail("missing", ErrMissing)
	}

	params, err := parseSignatureInput(inputHeader)
	if err != nil {
		return fail("malformed", err)
	}
	sigB64, err := parseSignature(sigHeader)
	if err != nil {
		return fail("malformed", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fail("malformed", fmt.Errorf("%w: bad signature bytes", ErrMalformed))
	}

	now := v.now()
	if d := now.Unix() - params.Created; d > int64(v.Skew.Seconds()) || -d > int64(v.Skew.Seconds()) {
		return fail("expired", ErrExpired)
	}

	key, ok := v.Keys.Get(params.KeyID)
	if !ok {
		return fail("unknown_kid", fmt.Errorf("%w: %q", ErrUnknownKID, params.KeyID))
	}

	signingString, err := buildSigningString(r, params)
	if err != nil {
		return fail("malformed", err)
	}
	if !ed25519.Verify(key.Public, []byte(signingString), sig) {
		return fail("bad_signature", ErrBadSignature)
	}

	// Replay check last so a forged nonce cannot poison the cache.
	if v.nonces.Seen(params.KeyID, params.Nonce, now) {
		return fail("replayed", ErrReplayed)
	}
	return params, nil
}

// Signer produces outbound request signatures with the gateway's active key.
type Signer struct {
	Keys       *keys.Registry
	Components []string
	now        func() time.Time
}

// NewSigner signs the default derived components.
func NewSigner(reg *keys.Registry) *Signer {
	return &Signer{
		Keys:       reg,
		Components: []string{"@method", "@path", "@authority"},
		now:        time.Now,
	}
}

// Sign attaches Signature-Input and Signature headers to req.
func (s *Signer) Sign(req *http.Request) error {
	key, ok := s.Keys.Active()
	if !ok || key.Private == nil {
		return fmt.Errorf("httpsig: no active signing key")
	}

	params := Params{
		Components: s.Components,
		Created:    s.now().Unix(),
		Nonce:      uuid.NewString(),
		KeyID:      key.KID,
		Alg:        alg,
	}
	params.paramsLine = formatParamsLine(params)

	signingString, err := buildSigningString(req, params)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key.Private, []byte(signingString))

	req.Header.Set(HeaderSignatureInput, sigLabel+"="+params.paramsLine)
	req.Header.Set(HeaderSignature, fmt.Sprintf("%s=:%s:", sigLabel, base64.StdEncoding.EncodeToString(sig)))
	return nil
}
