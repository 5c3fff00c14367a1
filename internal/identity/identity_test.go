package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type fakeSigner struct {
	sig  Signature
	cert Certificate
	err  error
	msgs [][]byte
}

func (f *fakeSigner) Sign(_ context.Context, msg []byte) (Signature, Certificate, error) {
	f.msgs = append(f.msgs, append([]byte(nil), msg...))
	return f.sig, f.cert, f.err
}

func certWithName(name string) Certificate {
	var c Certificate
	copy(c[certNameOffset:], name)
	return c
}

func TestGenerate(t *testing.T) {
	s := &fakeSigner{cert: certWithName("NG0123abcd")}
	s.sig[0] = 0x42

	c, err := Generate(context.Background(), s)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	h := sha256.New()
	h.Write(s.sig[:])
	h.Write(s.cert[:])
	var want [SaltSize]byte
	copy(want[:], h.Sum(nil))
	if c.Salt != want {
		t.Errorf("Salt = %x, want %x", c.Salt, want)
	}
	if c.Identity != 0x0123abcd {
		t.Errorf("Identity = %#08x, want 0x0123abcd", c.Identity)
	}
	if len(s.msgs) != 1 || len(s.msgs[0]) != 1 || s.msgs[0][0] != 0x7a {
		t.Errorf("signed messages = %x, want [7a]", s.msgs)
	}
}

func TestGenerateSignerFailure(t *testing.T) {
	cause := errors.New("/dev/es: no such device")
	_, err := Generate(context.Background(), &fakeSigner{err: cause})
	if !errors.Is(err, ErrIdentityUnavailable) {
		t.Errorf("error = %v, want ErrIdentityUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped cause", err)
	}
}

func TestDeviceID(t *testing.T) {
	tests := []struct {
		name string
		want uint32
	}{
		{"NG0123abcd", 0x0123abcd},
		{"NGFFFFFFFF", 0xFFFFFFFF},
		{"NG12", 0x12},
		{"NG12zz34", 0x12},
		{"NG123456789", 0xFFFFFFFF},
		{"NG0x1f", 0x1f},
		{"NG", 0},
		{"NGxyz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeviceID(certWithName(tt.name)); got != tt.want {
				t.Errorf("DeviceID(%q) = %#x, want %#x", tt.name, got, tt.want)
			}
		})
	}
}

func TestNewCertificate(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := NewCertificate(priv, 0xCAFE1234, 7)
	if err != nil {
		t.Fatalf("NewCertificate() error = %v", err)
	}
	if cert.Name() != "NGcafe1234" {
		t.Errorf("Name() = %q", cert.Name())
	}
	if DeviceID(cert) != 0xCAFE1234 {
		t.Errorf("DeviceID() = %#x", DeviceID(cert))
	}

	pub, err := cert.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if !pub.Equal(&priv.PublicKey) {
		t.Error("certificate public key does not match")
	}

	var selfSig Signature
	copy(selfSig[:], cert[certSignatureOffset:])
	if !cert.Verify(cert[certIssuerOffset:], selfSig) {
		t.Error("certificate self-signature does not verify")
	}
}

func TestHostSigner(t *testing.T) {
	dir := t.TempDir()
	hostID := func(context.Context) (string, error) { return "host-uuid-1", nil }
	ctx := context.Background()

	s := NewHostSigner(dir, WithHostID(hostID))
	sig1, cert1, err := s.Sign(ctx, []byte{0x7a})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !cert1.Verify([]byte{0x7a}, sig1) {
		t.Error("signature does not verify against certificate")
	}

	sum := sha256.Sum256([]byte("host-uuid-1"))
	wantID := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	if DeviceID(cert1) != wantID {
		t.Errorf("DeviceID = %#x, want %#x", DeviceID(cert1), wantID)
	}

	info, err := os.Stat(filepath.Join(dir, deviceFile))
	if err != nil {
		t.Fatalf("device record not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("device record mode = %v, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(dir, deviceLockFile)); !os.IsNotExist(err) {
		t.Error("device lock not released")
	}

	sig2, cert2, err := s.Sign(ctx, []byte{0x7a})
	if err != nil {
		t.Fatal(err)
	}
	if sig1 == sig2 {
		t.Error("two signatures over the same message are identical")
	}

	// A second signer over the same directory reuses the stored key.
	other := NewHostSigner(dir, WithHostID(func(context.Context) (string, error) {
		return "", errors.New("not consulted")
	}))
	sig3, cert3, err := other.Sign(ctx, []byte{0x7a})
	if err != nil {
		t.Fatal(err)
	}
	pub2, _ := cert2.PublicKey()
	pub3, _ := cert3.PublicKey()
	if !pub2.Equal(pub3) || DeviceID(cert3) != wantID {
		t.Error("second signer did not load the stored device key")
	}
	if !cert1.Verify([]byte{0x7a}, sig3) {
		t.Error("stored key produced a signature the first certificate rejects")
	}
}

func TestHostSignerSaltsDiffer(t *testing.T) {
	s := NewHostSigner(t.TempDir(), WithHostID(func(context.Context) (string, error) {
		return "", errors.New("no host id")
	}))
	c1, err := Generate(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Generate(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Salt == c2.Salt {
		t.Error("consecutive challenges share a salt")
	}
	if c1.Identity != c2.Identity {
		t.Error("identity changed between challenges")
	}
}

func TestHostSignerCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, deviceFile), []byte("not cbor"), 0600); err != nil {
		t.Fatal(err)
	}
	s := NewHostSigner(dir)
	_, err := Generate(context.Background(), s)
	if !errors.Is(err, ErrIdentityUnavailable) {
		t.Errorf("error = %v, want ErrIdentityUnavailable", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func TestHostSignerRandomFailure(t *testing.T) {
	noHostID := WithHostID(func(context.Context) (string, error) {
		return "", errors.New("no host id")
	})
	tests := []struct {
		name   string
		random io.Reader
	}{
		// four bytes cover the key id, the device id read fails
		{"device id", io.LimitReader(rand.Reader, 4)},
		{"key id", failingReader{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := NewHostSigner(dir, noHostID, WithRandom(tt.random))

			_, err := Generate(context.Background(), s)
			if !errors.Is(err, ErrIdentityUnavailable) {
				t.Fatalf("error = %v, want ErrIdentityUnavailable", err)
			}
			if _, err := os.Stat(filepath.Join(dir, deviceFile)); !os.IsNotExist(err) {
				t.Error("device record written without a device id")
			}
		})
	}
}
