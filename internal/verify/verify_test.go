package verify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/testutil"
)

func testSalt() [envelope.SaltSize]byte {
	var s [envelope.SaltSize]byte
	for i := range s {
		s[i] = byte(0xA0 + i)
	}
	return s
}

func testBuilder() *envelope.Builder {
	return &envelope.Builder{
		Salt:           testSalt(),
		Name:           "pulsar",
		Version:        3,
		BuildTimestamp: "2026-10-16T12:00:00Z",
		Entry:          "return 0",
		Exec:           "return function(fn, ...) return 0 end",
		Patches: []envelope.Patch{
			{Level: envelope.LevelCritical, Type: envelope.TypeWritePointer, Address: 0x80001000, Arg0: 0x12345678},
		},
	}
}

// inBuffer copies a block into a zeroed full-size payload buffer.
func inBuffer(block []byte) []byte {
	buf := make([]byte, envelope.BlockSize)
	copy(buf, block)
	return buf
}

func TestVerifyAccepts(t *testing.T) {
	key := testutil.SigningKey(t)
	buf := inBuffer(key.SignedBlock(t, testBuilder()))

	if err := Verify(buf, testSalt(), key.Public); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	key := testutil.SigningKey(t)
	block := key.SignedBlock(t, testBuilder())
	total := uint32(len(block))

	setTotal := func(b []byte, v uint32) { binary.BigEndian.PutUint32(b[0xC:], v) }

	tests := []struct {
		name    string
		mutate  func(buf []byte) []byte
		salt    func() [envelope.SaltSize]byte
		wantErr error
	}{
		{
			name:    "magic_last_byte",
			mutate:  func(b []byte) []byte { b[11] = 'X'; return b },
			wantErr: ErrHeaderMismatch,
		},
		{
			name:    "magic_first_byte",
			mutate:  func(b []byte) []byte { b[0] = 'w'; return b },
			wantErr: ErrHeaderMismatch,
		},
		{
			name:    "short_buffer",
			mutate:  func(b []byte) []byte { return b[:8] },
			wantErr: ErrHeaderMismatch,
		},
		{
			name:    "size_below_minimum",
			mutate:  func(b []byte) []byte { setTotal(b, envelope.MinSize-1); return b },
			wantErr: ErrLengthOutOfRange,
		},
		{
			name:    "size_above_block",
			mutate:  func(b []byte) []byte { setTotal(b, envelope.BlockSize+1); return b },
			wantErr: ErrLengthOutOfRange,
		},
		{
			name:    "size_above_buffer",
			mutate:  func(b []byte) []byte { return b[:total-1] },
			wantErr: ErrLengthOutOfRange,
		},
		{
			name:    "size_zero",
			mutate:  func(b []byte) []byte { setTotal(b, 0); return b },
			wantErr: ErrLengthOutOfRange,
		},
		{
			name: "stale_salt",
			salt: func() [envelope.SaltSize]byte {
				s := testSalt()
				s[31] ^= 1
				return s
			},
			wantErr: ErrSaltMismatch,
		},
		{
			name:    "flipped_signature_bit",
			mutate:  func(b []byte) []byte { b[0x10] ^= 0x01; return b },
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "flipped_info_bit",
			mutate:  func(b []byte) []byte { b[0x144] ^= 0x80; return b },
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "flipped_last_signed_byte",
			mutate:  func(b []byte) []byte { b[total-1] ^= 0x01; return b },
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "size_plus_one",
			mutate:  func(b []byte) []byte { setTotal(b, total+1); return b },
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "size_minus_one",
			mutate:  func(b []byte) []byte { setTotal(b, total-1); return b },
			wantErr: ErrSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := inBuffer(block)
			if tt.mutate != nil {
				buf = tt.mutate(buf)
			}
			salt := testSalt()
			if tt.salt != nil {
				salt = tt.salt()
			}
			err := Verify(buf, salt, key.Public)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyBitFlipsInSignedRegion(t *testing.T) {
	key := testutil.SigningKey(t)
	block := key.SignedBlock(t, testBuilder())

	// Salt bytes are covered too but fail the salt check first.
	for off := envelope.HeaderSize + envelope.SaltSize; off < len(block); off += 7 {
		buf := inBuffer(block)
		buf[off] ^= 0x04
		if err := Verify(buf, testSalt(), key.Public); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("flip at %#x: error = %v, want ErrSignatureInvalid", off, err)
		}
	}
}

func TestVerifyIgnoresBytesPastTotalSize(t *testing.T) {
	key := testutil.SigningKey(t)
	block := key.SignedBlock(t, testBuilder())

	buf := inBuffer(block)
	buf[len(block)] = 0xFF
	buf[envelope.BlockSize-1] = 0xFF
	if err := Verify(buf, testSalt(), key.Public); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyOrder(t *testing.T) {
	key := testutil.SigningKey(t)
	block := key.SignedBlock(t, testBuilder())

	// Every check fails; the first in order wins.
	buf := inBuffer(block)
	buf[0] = 0
	binary.BigEndian.PutUint32(buf[0xC:], 1)
	buf[envelope.HeaderSize] ^= 0xFF
	if err := Verify(buf, testSalt(), key.Public); !errors.Is(err, ErrHeaderMismatch) {
		t.Errorf("error = %v, want ErrHeaderMismatch", err)
	}

	buf[0] = 'W'
	if err := Verify(buf, testSalt(), key.Public); !errors.Is(err, ErrLengthOutOfRange) {
		t.Errorf("error = %v, want ErrLengthOutOfRange", err)
	}

	binary.BigEndian.PutUint32(buf[0xC:], uint32(len(block)))
	if err := Verify(buf, testSalt(), key.Public); !errors.Is(err, ErrSaltMismatch) {
		t.Errorf("error = %v, want ErrSaltMismatch", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	key := testutil.SigningKey(t)
	buf := inBuffer(key.SignedBlock(t, testBuilder()))

	other, err := DefaultKey()
	if err != nil {
		t.Fatalf("DefaultKey() error = %v", err)
	}
	if err := Verify(buf, testSalt(), other); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("error = %v, want ErrSignatureInvalid", err)
	}
	if err := Verify(buf, testSalt(), nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("nil key: error = %v, want ErrSignatureInvalid", err)
	}
}

type recordingSyncer struct {
	calls [][]byte
}

func (r *recordingSyncer) Sync(b []byte) { r.calls = append(r.calls, b) }

func TestVerifierSyncsOnlyVerifiedBlocks(t *testing.T) {
	key := testutil.SigningKey(t)
	block := key.SignedBlock(t, testBuilder())
	sync := &recordingSyncer{}
	v := &Verifier{Key: key.Public, Sync: sync}

	e, err := v.Verify(inBuffer(block), testSalt())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if e.Info().Name != "pulsar" {
		t.Errorf("Name = %q", e.Info().Name)
	}
	if len(sync.calls) != 1 || !bytes.Equal(sync.calls[0], block) {
		t.Fatalf("sync calls = %d, want 1 over the verified block", len(sync.calls))
	}

	bad := inBuffer(block)
	bad[len(block)-1] ^= 1
	if _, err := v.Verify(bad, testSalt()); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("error = %v", err)
	}
	if len(sync.calls) != 1 {
		t.Error("cache synced for a rejected block")
	}
}

func TestNewUsesNoopSyncer(t *testing.T) {
	key := testutil.SigningKey(t)
	v := New(key.Public)
	if _, err := v.Verify(inBuffer(key.SignedBlock(t, testBuilder())), testSalt()); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
