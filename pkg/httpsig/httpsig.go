// Package httpsig implements the ODIN HTTP message signature scheme: a
// covered-components list, creation timestamp, nonce, and key id, signed with
// Ed25519. The wire format follows the Signature-Input / Signature header
// pair.
package httpsig

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// HeaderSignatureInput carries the covered components and parameters.
	HeaderSignatureInput = "Signature-Input"
	// HeaderSignature carries the base64 signature.
	HeaderSignature = "Signature"

	sigLabel = "sig1"
	alg      = "ed25519"
)

var (
	ErrMissing      = errors.New("httpsig: signature missing")
	ErrMalformed    = errors.New("httpsig: malformed signature")
	ErrExpired      = errors.New("httpsig: created outside skew window")
	ErrReplayed     = errors.New("httpsig: nonce replayed")
	ErrUnknownKID   = errors.New("httpsig: unknown kid")
	ErrBadSignature = errors.New("httpsig: signature verification failed")
)

// Params are the parsed signature parameters.
type Params struct {
	Components []string
	Created    int64
	Nonce      string
	KeyID      string
	Alg        string
	// paramsLine is the raw text after "sig1=", reused verbatim when
	// rebuilding the signing string so reordering cannot slip through.
	paramsLine string
}

// buildSigningString concatenates component name/value pairs in declared
// order, terminated by the parameters line.
func buildSigningString(r *http.Request, p Params) (string, error) {
	var b strings.Builder
	for _, c := range p.Components {
		v, err := componentValue(r, c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", c, v)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", p.paramsLine)
	return b.String(), nil
}

func componentValue(r *http.Request, name string) (string, error) {
	switch name {
	case "@method":
		return r.Method, nil
	case "@path":
		return r.URL.Path, nil
	case "@authority":
		return r.Host, nil
	case "@query":
		return "?" + r.URL.RawQuery, nil
	default:
		if strings.HasPrefix(name, "@") {
			return "", fmt.Errorf("%w: unsupported derived component %q", ErrMalformed, name)
		}
		v := r.Header.Get(name)
		if v == "" {
			return "", fmt.Errorf("%w: covered header %q absent", ErrMalformed, name)
		}
		return strings.TrimSpace(v), nil
	}
}

// formatParamsLine renders the canonical parameters text after the label.
func formatParamsLine(p Params) string {
	quoted := make([]string, len(p.Components))
	for i, c := range p.Components {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf("(%s);created=%d;nonce=%q;keyid=%q;alg=%q",
		strings.Join(quoted, " "), p.Created, p.Nonce, p.KeyID, p.Alg)
}

// parseSignatureInput parses `sig1=("a" "b");created=...;nonce="...";keyid="...";alg="..."`.
func parseSignatureInput(header string) (Params, error) {
	var p Params
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), sigLabel+"=")
	if !ok {
		return p, fmt.Errorf("%w: missing %s label", ErrMalformed, sigLabel)
	}
	p.paramsLine = rest

	if !strings.HasPrefix(rest, "(") {
		return p, fmt.Errorf("%w: missing component list", ErrMalformed)
	}
	end := strings.Index(rest, ")")
	if end < 0 {
		return p, fmt.Errorf("%w: unterminated component list", ErrMalformed)
	}
	for _, tok := range strings.Fields(rest[1:end]) {
		c, err := strconv.Unquote(tok)
		if err != nil {
			return p, fmt.Errorf("%w: bad component %s", ErrMalformed, tok)
		}
		p.Components = append(p.Components, c)
	}

	for _, part := range strings.Split(rest[end+1:], ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, found := strings.Cut(part, "=")
		if !found {
			return p, fmt.Errorf("%w: bad parameter %q", ErrMalformed, part)
		}
		switch key {
		case "created":
			created, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return p, fmt.Errorf("%w: bad created", ErrMalformed)
			}
			p.Created = created
		case "nonce":
			p.Nonce = unquote(val)
		case "keyid":
			p.KeyID = unquote(val)
		case "alg":
			p.Alg = unquote(val)
		}
	}

	if len(p.Components) == 0 || p.Created == 0 || p.Nonce == "" || p.KeyID == "" {
		return p, fmt.Errorf("%w: incomplete parameters", ErrMalformed)
	}
	return p, nil
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// parseSignature extracts the base64 payload from `sig1=:...:`.
func parseSignature(header string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), sigLabel+"=")
	if !ok {
		return "", fmt.Errorf("%w: missing %s label", ErrMalformed, sigLabel)
	}
	if len(rest) < 2 || rest[0] != ':' || rest[len(rest)-1] != ':' {
		return "", fmt.Errorf("%w: signature not colon-wrapped", ErrMalformed)
	}
	return rest[1 : len(rest)-1], nil
}
