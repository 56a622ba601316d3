package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/concent-network/concent/internal/keys"
)

type output struct {
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
	KeyPath    string `json:"key_path"`
	KeyCreated bool   `json:"key_created"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("concent-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	keyPath := fs.String("key-path", "", "path for the secp256k1 private key (created if missing)")
	mustExist := fs.Bool("no-create", false, "fail instead of creating a missing key")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keyPath) == "" {
		return errors.New("--key-path is required")
	}
	if *mustExist {
		if _, err := os.Stat(*keyPath); err != nil {
			return fmt.Errorf("key file: %w", err)
		}
	}

	key, created, err := keys.EnsureFile(*keyPath)
	if err != nil {
		return err
	}
	info := keys.Describe(key)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		PublicKey:  info.PublicKey.Hex(),
		Address:    info.Address.Hex(),
		KeyPath:    *keyPath,
		KeyCreated: created,
	})
}
