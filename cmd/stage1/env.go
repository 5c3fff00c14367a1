package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"

	"github.com/pulsarengine/stage1/internal/config"
	"github.com/pulsarengine/stage1/internal/identity"
	"github.com/pulsarengine/stage1/internal/logging"
	"github.com/pulsarengine/stage1/internal/signing"
	"github.com/pulsarengine/stage1/internal/verify"
)

// envPassphrase names the variable holding a signing key passphrase.
const envPassphrase = "STAGE1_PASSPHRASE"

// environment is what every command needs from config and state.
type environment struct {
	cfg      *config.Config
	stateDir string
	logger   logging.Logger
}

func loadEnvironment(ctx context.Context, verbose bool, stderr io.Writer) (*environment, error) {
	logger := logging.NewGologme(stderr, "stage1 ", verbose)

	path, err := config.Path()
	if err != nil {
		return nil, fmt.Errorf("locate config: %w", err)
	}
	cfg, err := config.NewParser(logger).ParseFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, config.FormatError(err, verbose))
	}
	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, stateDir: stateDir, logger: logger}, nil
}

func (e *environment) signer() *identity.HostSigner {
	return identity.NewHostSigner(e.stateDir)
}

// trustedKey returns the configured keyring or the built-in key.
func trustedKey(keyring string) (*rsa.PublicKey, error) {
	if keyring == "" {
		return verify.DefaultKey()
	}
	f, err := os.Open(keyring)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()
	return verify.LoadKeyring(f)
}

// readSigningKey loads an OpenPGP private key, decrypting it with the
// passphrase from STAGE1_PASSPHRASE when needed.
func readSigningKey(path string) (*rsa.PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}
	defer f.Close()

	ring, err := signing.ReadKeyRing(f)
	if err != nil {
		return nil, err
	}

	var passphrase []byte
	if v, ok := os.LookupEnv(envPassphrase); ok {
		buf := memguard.NewBufferFromBytes([]byte(v))
		defer buf.Destroy()
		passphrase = buf.Bytes()
	}
	return signing.PrivateKey(ring, passphrase)
}
