package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"
)

// runKeygenCmd emits a keystore document with one fresh Ed25519 pair,
// ready for ODIN_KEYSTORE_PATH.
//
// Exit codes: 0 generated, 2 input or runtime error.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var kid string
	cmd.StringVar(&kid, "kid", "", "key id (default key-<unix>)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kid == "" {
		kid = fmt.Sprintf("key-%d", time.Now().Unix())
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 2
	}

	doc := map[string]any{
		"active_kid": kid,
		"keys": []map[string]string{{
			"kid":         kid,
			"public_key":  base64.RawURLEncoding.EncodeToString(pub),
			"private_key": base64.RawURLEncoding.EncodeToString(priv.Seed()),
		}},
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode keystore: %v\n", err)
		return 2
	}
	return 0
}
