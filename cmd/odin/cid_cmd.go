package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/odin-mesh/gateway/pkg/oml"
)

// runCIDCmd prints the CID of a JSON document read from a file or stdin.
//
// Exit codes: 0 computed, 2 input error.
func runCIDCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cid", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file    string
		showOML bool
	)
	cmd.StringVar(&file, "file", "", "JSON document (default stdin)")
	cmd.BoolVar(&showOML, "canonical", false, "also print the canonical bytes")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read input: %v\n", err)
		return 2
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		_, _ = fmt.Fprintf(stderr, "not valid JSON: %v\n", err)
		return 2
	}
	b, err := oml.Encode(value)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "canonicalize: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, oml.CID(b))
	if showOML {
		_, _ = fmt.Fprintln(stdout, string(b))
	}
	return 0
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
