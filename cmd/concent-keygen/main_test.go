package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/concent-network/concent/internal/message"
)

func TestRun_GeneratesAndPrintsJSON(t *testing.T) {
	t.Parallel()

	keyPath := filepath.Join(t.TempDir(), "concent.key")

	var first output
	var out bytes.Buffer
	if err := run([]string{"-key-path", keyPath}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &first); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if !first.KeyCreated || first.KeyPath != keyPath {
		t.Fatalf("first run: %+v", first)
	}
	if _, err := message.ParsePublicKeyHex(first.PublicKey); err != nil {
		t.Fatalf("public_key %q: %v", first.PublicKey, err)
	}
	if len(first.Address) != 42 {
		t.Fatalf("address: %q", first.Address)
	}

	var second output
	out.Reset()
	if err := run([]string{"-key-path", keyPath, "-no-create"}, &out); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &second); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if second.KeyCreated || second.PublicKey != first.PublicKey || second.Address != first.Address {
		t.Fatalf("second run: %+v, first %+v", second, first)
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{name: "no path", args: nil},
		{name: "missing with no-create", args: []string{"-key-path", filepath.Join(t.TempDir(), "absent.key"), "-no-create"}},
		{name: "unknown flag", args: []string{"-fee-recipient", "0x00"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := run(tc.args, &out); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
