// Package signing manages the OpenPGP key pair payloads are signed with.
//
// Payload blocks carry a raw RSA-2048 PKCS#1 v1.5 signature, so only the
// RSA primary key of an OpenPGP entity is used. OpenPGP is the container
// the keys are generated, stored and exchanged in.
package signing

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// KeyBits is the only RSA modulus size the payload format accepts.
const KeyBits = 2048

var (
	// ErrNoKey is returned when a keyring has no usable RSA key.
	ErrNoKey = errors.New("no RSA-2048 key in keyring")

	// ErrEncrypted is returned when the private key is locked and no
	// passphrase was supplied.
	ErrEncrypted = errors.New("private key is encrypted")
)

// Identity names the owner of a new key.
type Identity struct {
	Name    string
	Comment string
	Email   string
}

// Generate creates a new RSA-2048 signing entity.
func Generate(id Identity) (*openpgp.Entity, error) {
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoRSA,
		RSABits:   KeyBits,
	}
	e, err := openpgp.NewEntity(id.Name, id.Comment, id.Email, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return e, nil
}

// WritePublic writes the armored public key of e.
func WritePublic(w io.Writer, e *openpgp.Entity) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return fmt.Errorf("armor public key: %w", err)
	}
	if err := e.Serialize(aw); err != nil {
		aw.Close()
		return fmt.Errorf("serialize public key: %w", err)
	}
	return aw.Close()
}

// WritePrivate writes the armored private key of e.
func WritePrivate(w io.Writer, e *openpgp.Entity) error {
	aw, err := armor.Encode(w, openpgp.PrivateKeyType, nil)
	if err != nil {
		return fmt.Errorf("armor private key: %w", err)
	}
	if err := e.SerializePrivate(aw, nil); err != nil {
		aw.Close()
		return fmt.Errorf("serialize private key: %w", err)
	}
	return aw.Close()
}

// ReadKeyRing reads an armored or binary keyring.
func ReadKeyRing(r io.Reader) (openpgp.EntityList, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		// Try reading as non-armored keyring
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}
	return keyring, nil
}

// PublicKey returns the first RSA-2048 primary key in keyring.
func PublicKey(keyring openpgp.EntityList) (*rsa.PublicKey, error) {
	for _, e := range keyring {
		if e.PrimaryKey == nil {
			continue
		}
		if pub, ok := e.PrimaryKey.PublicKey.(*rsa.PublicKey); ok && pub.N.BitLen() == KeyBits {
			return pub, nil
		}
	}
	return nil, ErrNoKey
}

// PrivateKey returns the first RSA-2048 primary private key in keyring,
// decrypting it with passphrase when needed.
func PrivateKey(keyring openpgp.EntityList, passphrase []byte) (*rsa.PrivateKey, error) {
	for _, e := range keyring {
		pk := e.PrivateKey
		if pk == nil {
			continue
		}
		if pk.Encrypted {
			if len(passphrase) == 0 {
				return nil, ErrEncrypted
			}
			if err := pk.Decrypt(passphrase); err != nil {
				return nil, fmt.Errorf("decrypt private key: %w", err)
			}
		}
		if priv, ok := pk.PrivateKey.(*rsa.PrivateKey); ok && priv.N.BitLen() == KeyBits {
			return priv, nil
		}
	}
	return nil, ErrNoKey
}
