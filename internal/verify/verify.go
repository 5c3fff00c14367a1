// Package verify is the trust boundary between a downloaded payload block
// and the code that runs it.
//
// Checks run in a fixed order and stop at the first failure: magic, size,
// salt, signature. The structural checks are cheap and the signature check
// runs last. Nothing downstream re-checks authenticity.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
)

var (
	// ErrHeaderMismatch is returned when the block does not start with the magic tag.
	ErrHeaderMismatch = errors.New("payload header mismatch")

	// ErrLengthOutOfRange is returned when total_size is truncated or larger than the buffer.
	ErrLengthOutOfRange = errors.New("payload length out of range")

	// ErrSaltMismatch is returned when the block answers a different request.
	ErrSaltMismatch = errors.New("payload salt mismatch")

	// ErrSignatureInvalid is returned when the signature does not verify.
	ErrSignatureInvalid = errors.New("payload signature invalid")
)

// Verify checks buf against the salt of the request that produced it and
// the trusted key. buf is the payload buffer; total_size may not exceed
// its length or the block size.
func Verify(buf []byte, expectedSalt [envelope.SaltSize]byte, key *rsa.PublicKey) error {
	if len(buf) < len(envelope.Magic) || string(buf[:len(envelope.Magic)]) != envelope.Magic {
		return ErrHeaderMismatch
	}

	if len(buf) < envelope.MinSize {
		return fmt.Errorf("%w: buffer holds %#x bytes", ErrLengthOutOfRange, len(buf))
	}
	total := binary.BigEndian.Uint32(buf[len(envelope.Magic):])
	limit := uint32(envelope.BlockSize)
	if uint64(len(buf)) < uint64(limit) {
		limit = uint32(len(buf))
	}
	if total < envelope.MinSize || total > limit {
		return fmt.Errorf("%w: total_size %#x not in [%#x, %#x]", ErrLengthOutOfRange, total, envelope.MinSize, limit)
	}

	e, err := envelope.Parse(buf[:total])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLengthOutOfRange, err)
	}

	salt := e.Salt()
	if subtle.ConstantTimeCompare(salt[:], expectedSalt[:]) != 1 {
		return ErrSaltMismatch
	}

	if key == nil {
		return fmt.Errorf("%w: no trusted key", ErrSignatureInvalid)
	}
	digest := sha256.Sum256(e.Signed())
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], e.Signature()); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// CacheSyncer makes a verified block visible as code to the executing core.
type CacheSyncer interface {
	Sync(block []byte)
}

type noopSyncer struct{}

func (noopSyncer) Sync([]byte) {}

// Verifier binds the trusted key and the cache syncer used after a
// successful check.
type Verifier struct {
	Key  *rsa.PublicKey
	Sync CacheSyncer
}

// New returns a verifier for key with a no-op cache syncer.
func New(key *rsa.PublicKey) *Verifier {
	return &Verifier{Key: key, Sync: noopSyncer{}}
}

// Verify checks buf and, on success, synchronizes the verified prefix and
// returns it as a parsed envelope.
func (v *Verifier) Verify(buf []byte, expectedSalt [envelope.SaltSize]byte) (*envelope.Envelope, error) {
	if err := Verify(buf, expectedSalt, v.Key); err != nil {
		return nil, err
	}
	e, err := envelope.Parse(buf)
	if err != nil {
		return nil, err
	}
	if v.Sync != nil {
		v.Sync.Sync(e.Bytes())
	}
	return e, nil
}
