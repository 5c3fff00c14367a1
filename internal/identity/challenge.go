// Package identity produces request challenges bound to the device identity.
//
// A Challenge is derived from one call to the device signing service: the
// salt is the SHA-256 of the returned signature and certificate, and the
// identity is the device number printed in the certificate's name field.
// Only genuine signing keys produce salts the service can tie to a device.
package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// SignatureSize is the size of a device signature.
	SignatureSize = 0x3C
	// CertificateSize is the size of a device certificate.
	CertificateSize = 0x180
	// SaltSize is the size of a challenge salt.
	SaltSize = sha256.Size
)

// ErrIdentityUnavailable is returned when the signing service cannot be
// opened or refuses to sign.
var ErrIdentityUnavailable = errors.New("device identity unavailable")

// Signature is a raw device signature.
type Signature [SignatureSize]byte

// Certificate is a raw device certificate.
type Certificate [CertificateSize]byte

// Signer is the trusted device signing service.
type Signer interface {
	Sign(ctx context.Context, msg []byte) (Signature, Certificate, error)
}

// Challenge binds one request attempt to the device.
type Challenge struct {
	Salt     [SaltSize]byte
	Identity uint32
}

// challengeMessage is what the device signs. Its content does not matter,
// the signature's randomness does.
var challengeMessage = []byte{0x7a}

// Generate obtains a fresh challenge from s.
func Generate(ctx context.Context, s Signer) (Challenge, error) {
	sig, cert, err := s.Sign(ctx, challengeMessage)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
	}

	h := sha256.New()
	h.Write(sig[:])
	h.Write(cert[:])

	var c Challenge
	copy(c.Salt[:], h.Sum(nil))
	c.Identity = DeviceID(cert)
	return c, nil
}

// DeviceID extracts the device number from the certificate name ("NG" followed
// by hex digits). Parsing stops at the first non-hex byte and saturates at
// 0xFFFFFFFF.
func DeviceID(cert Certificate) uint32 {
	return parseHex(cert[certNameOffset+2 : certNameOffset+certNameSize])
}

func parseHex(b []byte) uint32 {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	if i+1 < len(b) && b[i] == '0' && (b[i+1] == 'x' || b[i+1] == 'X') {
		i += 2
	}

	var v uint64
	for ; i < len(b); i++ {
		d, ok := hexDigit(b[i])
		if !ok {
			break
		}
		v = v<<4 | uint64(d)
		if v > 0xFFFFFFFF {
			return 0xFFFFFFFF
		}
	}
	return uint32(v)
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
