package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pulsarengine/stage1/internal/signing"
)

const (
	publicKeyFile  = "payload.asc"
	privateKeyFile = "payload-secret.asc"
)

// runKeygen handles the `stage1 keygen` subcommand
func runKeygen(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keygen", stderr)
	name := fs.String("name", "stage1 payload signing", "key owner name")
	email := fs.String("email", "", "key owner email")
	out := fs.String("out", ".", "directory for the key files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pubPath := filepath.Join(*out, publicKeyFile)
	privPath := filepath.Join(*out, privateKeyFile)
	for _, p := range []string{pubPath, privPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entity, err := signing.Generate(signing.Identity{Name: *name, Email: *email})
	if err != nil {
		return err
	}

	var pub, priv bytes.Buffer
	if err := signing.WritePublic(&pub, entity); err != nil {
		return err
	}
	if err := signing.WritePrivate(&priv, entity); err != nil {
		return err
	}

	if err := os.MkdirAll(*out, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(privPath, priv.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Fprintf(stdout, "✓ Key %X\n", entity.PrimaryKey.Fingerprint)
	fmt.Fprintf(stdout, "  public:  %s\n", pubPath)
	fmt.Fprintf(stdout, "  private: %s\n", privPath)
	return nil
}
