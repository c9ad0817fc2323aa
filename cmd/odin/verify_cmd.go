package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/keys"
)

// runVerifyCmd checks a proof envelope offline: the CID binding and the
// Ed25519 signature, resolved against the envelope's inline keyset or a
// local keystore file.
//
// Exit codes: 0 PASS, 1 FAIL, 2 input error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		proofPath   string
		payloadPath string
		keystore    string
	)
	cmd.StringVar(&proofPath, "proof", "", "envelope JSON file (REQUIRED)")
	cmd.StringVar(&payloadPath, "payload", "", "payload JSON file (default: inline envelope bytes)")
	cmd.StringVar(&keystore, "keystore", "", "keystore file for kid resolution")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proofPath == "" {
		_, _ = fmt.Fprintln(stderr, "--proof is required")
		return 2
	}

	proofData, err := os.ReadFile(proofPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read proof: %v\n", err)
		return 2
	}
	var env envelope.Envelope
	if err := json.Unmarshal(proofData, &env); err != nil {
		_, _ = fmt.Fprintf(stderr, "parse proof: %v\n", err)
		return 2
	}

	var payload any
	if payloadPath != "" {
		data, err := os.ReadFile(payloadPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "read payload: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			_, _ = fmt.Fprintf(stderr, "parse payload: %v\n", err)
			return 2
		}
	}

	reg, err := keys.NewRegistry(keys.Sources{Path: keystore}, 0)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load keystore: %v\n", err)
		return 2
	}

	att, err := envelope.NewVerifier(reg).Verify(context.Background(), &env, nil, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL %s: %v\n", env.CID, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "PASS cid=%s kid=%s source=%s\n", att.CID, att.KID, att.KeysetSource)
	return 0
}
