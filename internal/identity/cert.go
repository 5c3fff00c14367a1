package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Certificate layout, ECC device certificate.
const (
	certSigTypeOffset   = 0x000
	certSignatureOffset = 0x004
	certIssuerOffset    = 0x080
	certKeyTypeOffset   = 0x0C0
	certNameOffset      = 0x0C4
	certNameSize        = 0x040
	certKeyIDOffset     = 0x104
	certPublicKeyOffset = 0x108
	certPublicKeySize   = 0x03C

	certSigTypeECC  = 0x00010002
	certKeyTypeECC  = 2
	certIssuer      = "Root-CA00000001-MS00000002"
	sigComponentLen = SignatureSize / 2
)

// NewCertificate lays out a device certificate for pub and signs its body
// with priv.
func NewCertificate(priv *ecdsa.PrivateKey, deviceID, keyID uint32) (Certificate, error) {
	var cert Certificate
	binary.BigEndian.PutUint32(cert[certSigTypeOffset:], certSigTypeECC)
	copy(cert[certIssuerOffset:certKeyTypeOffset], certIssuer)
	binary.BigEndian.PutUint32(cert[certKeyTypeOffset:], certKeyTypeECC)
	copy(cert[certNameOffset:certNameOffset+certNameSize], fmt.Sprintf("NG%08x", deviceID))
	binary.BigEndian.PutUint32(cert[certKeyIDOffset:], keyID)

	pub, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return cert, err
	}
	copy(cert[certPublicKeyOffset:], pub)

	sig, err := signRaw(priv, cert[certIssuerOffset:])
	if err != nil {
		return cert, fmt.Errorf("sign certificate: %w", err)
	}
	copy(cert[certSignatureOffset:], sig[:])
	return cert, nil
}

// PublicKey decodes the device public key from cert.
func (c Certificate) PublicKey() (*ecdsa.PublicKey, error) {
	curve := elliptic.P224()
	n := (curve.Params().BitSize + 7) / 8
	raw := c[certPublicKeyOffset : certPublicKeyOffset+2*n]
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(raw[:n]),
		Y:     new(big.Int).SetBytes(raw[n:]),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("certificate public key is not on curve")
	}
	return pub, nil
}

// Name returns the device name field, e.g. "NG0123abcd".
func (c Certificate) Name() string {
	return cstring(c[certNameOffset : certNameOffset+certNameSize])
}

// Verify checks a device signature over msg against the key in c.
func (c Certificate) Verify(msg []byte, sig Signature) bool {
	pub, err := c.PublicKey()
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:sigComponentLen])
	s := new(big.Int).SetBytes(sig[sigComponentLen:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

func encodePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	n := (pub.Curve.Params().BitSize + 7) / 8
	if 2*n > certPublicKeySize {
		return nil, fmt.Errorf("public key of %d bits does not fit certificate", pub.Curve.Params().BitSize)
	}
	out := make([]byte, 2*n)
	pub.X.FillBytes(out[:n])
	pub.Y.FillBytes(out[n:])
	return out, nil
}

func signRaw(priv *ecdsa.PrivateKey, msg []byte) (Signature, error) {
	var sig Signature
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return sig, err
	}
	r.FillBytes(sig[:sigComponentLen])
	s.FillBytes(sig[sigComponentLen:])
	return sig, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
