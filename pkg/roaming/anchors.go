package roaming

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TrustAnchor describes a trusted issuer of roaming passes.
type TrustAnchor struct {
	Iss             string   `yaml:"iss"`
	JWKSURL         string   `yaml:"jwks_url"`
	RealmsAllowed   []string `yaml:"realms_allowed"`
	AudienceAllowed []string `yaml:"audience_allowed"`
	MaxTTLSeconds   int      `yaml:"max_ttl_seconds"`
}

type anchorsDoc struct {
	Anchors []TrustAnchor `yaml:"trust_anchors"`
}

// LoadTrustAnchors reads the YAML anchor list and indexes it by issuer.
func LoadTrustAnchors(path string) (map[string]TrustAnchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roaming: read trust anchors: %w", err)
	}
	return ParseTrustAnchors(data)
}

func ParseTrustAnchors(data []byte) (map[string]TrustAnchor, error) {
	var doc anchorsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("roaming: parse trust anchors: %w", err)
	}
	anchors := make(map[string]TrustAnchor, len(doc.Anchors))
	for _, a := range doc.Anchors {
		if a.Iss == "" {
			return nil, fmt.Errorf("roaming: trust anchor without iss")
		}
		if _, dup := anchors[a.Iss]; dup {
			return nil, fmt.Errorf("roaming: duplicate trust anchor %q", a.Iss)
		}
		anchors[a.Iss] = a
	}
	return anchors, nil
}
