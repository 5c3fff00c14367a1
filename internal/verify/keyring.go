package verify

import (
	"bytes"
	"crypto/rsa"
	_ "embed"
	"fmt"
	"io"
	"sync"

	"github.com/pulsarengine/stage1/internal/signing"
)

// The production payload signing key. Only this key is trusted.
//
//go:embed keyrings/payload.asc
var payloadKeyring []byte

var defaultKey = sync.OnceValues(func() (*rsa.PublicKey, error) {
	if len(payloadKeyring) == 0 {
		return nil, fmt.Errorf("payload keyring is empty (embed failed)")
	}
	return LoadKeyring(bytes.NewReader(payloadKeyring))
})

// DefaultKey returns the embedded trusted key.
func DefaultKey() (*rsa.PublicKey, error) {
	return defaultKey()
}

// LoadKeyring reads an OpenPGP keyring and returns its RSA-2048 key.
func LoadKeyring(r io.Reader) (*rsa.PublicKey, error) {
	ring, err := signing.ReadKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	key, err := signing.PublicKey(ring)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	return key, nil
}
