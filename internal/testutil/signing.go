package testutil

import (
	"bytes"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/signing"
)

// Key is a payload signing key pair shared by the tests of one package.
type Key struct {
	Private        *rsa.PrivateKey
	Public         *rsa.PublicKey
	ArmoredPublic  []byte
	ArmoredPrivate []byte
}

var (
	keyOnce sync.Once
	key     *Key
	keyErr  error
)

// SigningKey returns a lazily generated RSA-2048 OpenPGP key pair. RSA key
// generation is slow, so the pair is created once per test binary.
func SigningKey(t testing.TB) *Key {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = newKey()
	})
	if keyErr != nil {
		t.Fatalf("generate signing key: %v", keyErr)
	}
	return key
}

func newKey() (*Key, error) {
	e, err := signing.Generate(signing.Identity{Name: "stage1 test", Email: "test@stage1.invalid"})
	if err != nil {
		return nil, err
	}
	var pub, priv bytes.Buffer
	if err := signing.WritePublic(&pub, e); err != nil {
		return nil, err
	}
	if err := signing.WritePrivate(&priv, e); err != nil {
		return nil, err
	}
	ring, err := signing.ReadKeyRing(bytes.NewReader(priv.Bytes()))
	if err != nil {
		return nil, err
	}
	sk, err := signing.PrivateKey(ring, nil)
	if err != nil {
		return nil, err
	}
	return &Key{
		Private:        sk,
		Public:         &sk.PublicKey,
		ArmoredPublic:  pub.Bytes(),
		ArmoredPrivate: priv.Bytes(),
	}, nil
}

// SignedBlock builds b and signs it with k.
func (k *Key) SignedBlock(t testing.TB, b *envelope.Builder) []byte {
	t.Helper()
	buf, err := b.BuildSigned(k.Private)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	return buf
}
