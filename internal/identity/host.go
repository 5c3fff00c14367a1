package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/pulsarengine/stage1/internal/lockfile"
	"github.com/shirou/gopsutil/v4/host"
)

const (
	deviceFile     = "device.cbor"
	deviceLockFile = "device.lock"
	recordVersion  = 1
)

// deviceRecord is the persisted device key.
type deviceRecord struct {
	Version  int    `cbor:"1,keyasint"`
	DeviceID uint32 `cbor:"2,keyasint"`
	KeyID    uint32 `cbor:"3,keyasint"`
	Key      []byte `cbor:"4,keyasint"`
}

// HostSigner is a software device signing service. The device key is
// created on first use, stored under dir and kept in a memguard enclave
// while loaded. The device number is derived from the host id.
type HostSigner struct {
	dir    string
	hostID func(ctx context.Context) (string, error)
	random io.Reader

	mu   sync.Mutex
	key  *memguard.Enclave
	cert Certificate
}

// HostOption configures a HostSigner.
type HostOption func(*HostSigner)

// WithHostID replaces the host id lookup. Intended for tests.
func WithHostID(fn func(ctx context.Context) (string, error)) HostOption {
	return func(s *HostSigner) { s.hostID = fn }
}

// WithRandom replaces the source of the key id and of the fallback device
// id. Intended for tests.
func WithRandom(r io.Reader) HostOption {
	return func(s *HostSigner) { s.random = r }
}

// NewHostSigner returns a signer keeping its key under dir.
func NewHostSigner(dir string, opts ...HostOption) *HostSigner {
	s := &HostSigner{
		dir:    dir,
		hostID: host.HostIDWithContext,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs msg with the device key.
func (s *HostSigner) Sign(ctx context.Context, msg []byte) (Signature, Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Signature{}, Certificate{}, err
	}
	if s.key == nil {
		if err := s.load(ctx); err != nil {
			return Signature{}, Certificate{}, err
		}
	}

	buf, err := s.key.Open()
	if err != nil {
		return Signature{}, Certificate{}, fmt.Errorf("open device key: %w", err)
	}
	defer buf.Destroy()

	priv, err := x509.ParseECPrivateKey(buf.Bytes())
	if err != nil {
		return Signature{}, Certificate{}, fmt.Errorf("parse device key: %w", err)
	}
	sig, err := signRaw(priv, msg)
	if err != nil {
		return Signature{}, Certificate{}, fmt.Errorf("sign: %w", err)
	}
	return sig, s.cert, nil
}

// Certificate returns the device certificate, loading the key if needed.
func (s *HostSigner) Certificate(ctx context.Context) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		if err := s.load(ctx); err != nil {
			return Certificate{}, err
		}
	}
	return s.cert, nil
}

// load reads or creates the device record. Callers hold s.mu.
func (s *HostSigner) load(ctx context.Context) error {
	lock, err := lockfile.Acquire(s.dir, deviceLockFile)
	if err != nil {
		return fmt.Errorf("lock device key: %w", err)
	}
	defer lock.Release()

	rec, err := readRecord(filepath.Join(s.dir, deviceFile))
	if errors.Is(err, os.ErrNotExist) {
		rec, err = s.create(ctx)
	}
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(rec.Key)

	priv, err := x509.ParseECPrivateKey(rec.Key)
	if err != nil {
		return fmt.Errorf("parse device key: %w", err)
	}
	cert, err := NewCertificate(priv, rec.DeviceID, rec.KeyID)
	if err != nil {
		return err
	}

	s.cert = cert
	s.key = memguard.NewEnclave(rec.Key)
	return nil
}

func (s *HostSigner) create(ctx context.Context) (*deviceRecord, error) {
	var keyID [4]byte
	if _, err := io.ReadFull(s.random, keyID[:]); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal device key: %w", err)
	}

	rec := &deviceRecord{
		Version:  recordVersion,
		DeviceID: deviceID,
		KeyID:    binary.BigEndian.Uint32(keyID[:]),
		Key:      der,
	}
	if err := writeRecord(filepath.Join(s.dir, deviceFile), rec); err != nil {
		memguard.WipeBytes(der)
		return nil, err
	}
	return rec, nil
}

// deviceID hashes the host id into a device number. Hosts without a stable
// id get a random one, which is then pinned by the stored record.
func (s *HostSigner) deviceID(ctx context.Context) (uint32, error) {
	if id, err := s.hostID(ctx); err == nil && id != "" {
		sum := sha256.Sum256([]byte(id))
		return binary.BigEndian.Uint32(sum[:4]), nil
	}
	var b [4]byte
	if _, err := io.ReadFull(s.random, b[:]); err != nil {
		return 0, fmt.Errorf("generate device id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readRecord(path string) (*deviceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(data)

	var rec deviceRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode device record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported device record version %d", rec.Version)
	}
	return &rec, nil
}

func writeRecord(path string, rec *deviceRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode device record: %w", err)
	}
	defer memguard.WipeBytes(data)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write device record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename device record: %w", err)
	}
	return nil
}
