package stage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulsarengine/stage1/internal/bridge"
	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/fetch/fetchtest"
	"github.com/pulsarengine/stage1/internal/identity"
	"github.com/pulsarengine/stage1/internal/patch"
	"github.com/pulsarengine/stage1/internal/request"
	"github.com/pulsarengine/stage1/internal/testutil"
	"github.com/pulsarengine/stage1/internal/verify"
)

const (
	imageBase = 0x80000000
	imageSize = 0x10000
)

const testEntry = `
host.log("entry")
for _, p in ipairs(payload.patches) do host.apply(p) end
return 0
`

const testExec = `
local values = { [0] = 1, [1] = 0, [2] = 0 }
return function(fn, a, b)
  if fn == 1 then
    local v = values[a]
    if v == nil then return -1 end
    return v
  elseif fn == 2 then
    if values[a] == nil then return -1 end
    values[a] = b
    return 0
  end
  return -1
end
`

// countingLogger counts Info messages.
type countingLogger struct {
	mu   sync.Mutex
	msgs map[string]int
}

func (c *countingLogger) Debug(string, ...interface{}) {}
func (c *countingLogger) Warn(string, ...interface{})  {}
func (c *countingLogger) Error(string, ...interface{}) {}
func (c *countingLogger) Info(msg string, _ ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string]int)
	}
	c.msgs[msg]++
}

func (c *countingLogger) count(msg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[msg]
}

// commitment recomputes the salt a response must echo for url.
func commitment(t *testing.T, url string) [envelope.SaltSize]byte {
	t.Helper()
	query, _, err := request.Split(url)
	if err != nil {
		t.Errorf("Split(%q) error = %v", url, err)
	}
	return sha256.Sum256([]byte(query))
}

func payloadBuilder(salt [envelope.SaltSize]byte) *envelope.Builder {
	return &envelope.Builder{
		Salt:    salt,
		Name:    "pulsar",
		Version: 1,
		Entry:   testEntry,
		Exec:    testExec,
		Patches: []envelope.Patch{
			{Level: envelope.LevelCritical, Type: envelope.TypeWritePointer, Address: 0x80000100, Arg0: 0xCAFEF00D},
			{Level: envelope.LevelFeature, Type: envelope.TypeWritePointer, Address: 0x80000104, Arg0: 0xFEEDFACE},
		},
	}
}

type harness struct {
	loader    *Loader
	transport *fetchtest.Transport
	image     *patch.Image
	logger    *countingLogger
}

func newHarness(t *testing.T, respond fetchtest.Responder, policy patch.Policy, opts ...func(*Config)) *harness {
	t.Helper()
	key := testutil.SigningKey(t)
	h := &harness{
		transport: fetchtest.New(respond),
		image:     patch.NewImage(imageBase, imageSize),
		logger:    &countingLogger{},
	}
	signer := identity.NewHostSigner(t.TempDir(), identity.WithHostID(func(context.Context) (string, error) {
		return "stage-test-host", nil
	}))
	cfg := Config{
		Params:    request.DefaultParams(),
		Signer:    signer,
		Transport: h.transport,
		Verifier:  verify.New(key.Public),
		Target:    h.image,
		Policy:    policy,
		Logger:    h.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(l.Close)
	h.loader = l
	return h
}

// validReply answers with a correctly signed payload for the request.
func validReply(t *testing.T, mutate func(*envelope.Builder)) fetchtest.Responder {
	key := testutil.SigningKey(t)
	return func(url string) fetchtest.Reply {
		b := payloadBuilder(commitment(t, url))
		if mutate != nil {
			mutate(b)
		}
		buf, err := b.BuildSigned(key.Private)
		if err != nil {
			t.Errorf("BuildSigned() error = %v", err)
		}
		return fetchtest.Reply{Body: buf}
	}
}

func (h *harness) send(t *testing.T, forward func()) fetch.Token {
	t.Helper()
	token, err := h.loader.SendRequest(context.Background(), forward)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.loader.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	h.transport.Wait()
	return token
}

func (h *harness) word(t *testing.T, addr uint32) uint32 {
	t.Helper()
	w, err := h.image.Word(addr)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestLoaderEndToEnd(t *testing.T) {
	h := newHarness(t, validReply(t, nil), patch.FilteredPolicy)

	if h.loader.State() != NotReady {
		t.Fatalf("initial state = %v", h.loader.State())
	}

	forwarded := 0
	token := h.send(t, func() { forwarded++ })
	if token == 0 {
		t.Error("token = 0")
	}
	if forwarded != 0 {
		t.Error("forward called while not ready")
	}
	if h.loader.State() != Ready {
		t.Fatalf("state = %v, want ready (error %d)", h.loader.State(), h.loader.Error())
	}
	if h.loader.Error() != ErrorRetry {
		t.Errorf("Error() = %d, want %d", h.loader.Error(), ErrorRetry)
	}
	if n := h.logger.count("entry"); n != 1 {
		t.Errorf("entry ran %d times, want 1", n)
	}
	if got := h.word(t, 0x80000100); got != 0xCAFEF00D {
		t.Errorf("critical patch wrote %#08x", got)
	}
	if got := h.word(t, 0x80000104); got != 0 {
		t.Errorf("feature patch applied under filtered policy: %#08x", got)
	}
	if n, most := h.transport.Destroys(); n != 1 || most != 1 || h.transport.Responses() != 1 {
		t.Errorf("destroys = %d (max %d) for %d responses", n, most, h.transport.Responses())
	}

	v, err := h.loader.Exec(context.Background(), bridge.GetValue{Key: bridge.KeyEnableAggressivePacketChecks})
	if err != nil || v != bridge.False {
		t.Errorf("aggressive checks = %d, %v; want False", v, err)
	}

	// Ready short-circuits to the host without another fetch.
	for i := 0; i < 3; i++ {
		token, err := h.loader.SendRequest(context.Background(), func() { forwarded++ })
		if err != nil || token != 0 {
			t.Fatalf("SendRequest() = %d, %v", token, err)
		}
	}
	if forwarded != 3 {
		t.Errorf("forwarded %d times, want 3", forwarded)
	}
	if urls := h.transport.URLs(); len(urls) != 1 {
		t.Errorf("fetched %d times, want 1", len(urls))
	}
	if n := h.logger.count("entry"); n != 1 {
		t.Errorf("entry ran %d times after ready", n)
	}
}

func TestLoaderRequestURL(t *testing.T) {
	h := newHarness(t, validReply(t, nil), patch.DefaultPolicy)
	h.send(t, nil)

	urls := h.transport.URLs()
	if len(urls) != 1 {
		t.Fatalf("URLs = %v", urls)
	}
	if !strings.HasPrefix(urls[0], "http://nas.wiilink24.com/payload?c=pulsar2&d=") {
		t.Errorf("URL = %q", urls[0])
	}
	if !strings.Contains(urls[0], "&g=RMCPD00&s=") {
		t.Errorf("URL = %q", urls[0])
	}
}

func TestLoaderRejects(t *testing.T) {
	key := testutil.SigningKey(t)

	signed := func(t *testing.T, url string, mutate func(b *envelope.Builder)) []byte {
		b := payloadBuilder(commitment(t, url))
		if mutate != nil {
			mutate(b)
		}
		buf, err := b.BuildSigned(key.Private)
		if err != nil {
			t.Errorf("BuildSigned() error = %v", err)
		}
		return buf
	}

	tests := []struct {
		name     string
		respond  func(t *testing.T) fetchtest.Responder
		wantCode int32
	}{
		{
			name: "transport failure",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(string) fetchtest.Reply {
					return fetchtest.Reply{Result: fetch.ResultNetwork}
				}
			},
			wantCode: CodeResponse,
		},
		{
			name: "no response",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(string) fetchtest.Reply {
					return fetchtest.Reply{NilResponse: true}
				}
			},
			wantCode: CodeResponse,
		},
		{
			name: "wrong magic",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					buf := signed(t, url, nil)
					buf[0] = 'w'
					return fetchtest.Reply{Body: buf}
				}
			},
			wantCode: CodeHeaderCheck,
		},
		{
			name: "oversized",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					buf := signed(t, url, nil)
					binary.BigEndian.PutUint32(buf[0xC:], envelope.BlockSize+1)
					return fetchtest.Reply{Body: buf}
				}
			},
			wantCode: CodeLengthError,
		},
		{
			name: "stale salt",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					return fetchtest.Reply{Body: signed(t, url, func(b *envelope.Builder) { b.Salt[0] ^= 1 })}
				}
			},
			wantCode: CodeSaltMismatch,
		},
		{
			name: "tampered",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					buf := signed(t, url, nil)
					buf[len(buf)-1] ^= 0x10
					return fetchtest.Reply{Body: buf}
				}
			},
			wantCode: CodeSignatureInvalid,
		},
		{
			name: "invalid info",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					return fetchtest.Reply{Body: signed(t, url, func(b *envelope.Builder) {
						b.FormatVersionCompat = envelope.FormatVersion + 1
					})}
				}
			},
			wantCode: CodePayloadRejected,
		},
		{
			name: "payload crashes",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					return fetchtest.Reply{Body: signed(t, url, func(b *envelope.Builder) {
						b.Entry = `error("boom")`
					})}
				}
			},
			wantCode: CodePayloadRejected,
		},
		{
			name: "payload result",
			respond: func(t *testing.T) fetchtest.Responder {
				return func(url string) fetchtest.Reply {
					return fetchtest.Reply{Body: signed(t, url, func(b *envelope.Builder) {
						b.Entry = `return 20110`
					})}
				}
			},
			wantCode: 20110,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.respond(t), patch.DefaultPolicy)
			h.send(t, func() { t.Error("forward called") })

			if h.loader.State() != NotReady {
				t.Errorf("state = %v, want not_ready", h.loader.State())
			}
			if h.loader.Error() != tt.wantCode {
				t.Errorf("Error() = %d, want %d", h.loader.Error(), tt.wantCode)
			}
			if _, err := h.loader.Exec(context.Background(), bridge.GetValue{}); !errors.Is(err, ErrNotReady) {
				t.Errorf("Exec() error = %v, want ErrNotReady", err)
			}
			n, most := h.transport.Destroys()
			if n != h.transport.Responses() || most > 1 {
				t.Errorf("destroyed %d (max %d) of %d responses", n, most, h.transport.Responses())
			}
		})
	}
}

func TestLoaderEntryTimeout(t *testing.T) {
	h := newHarness(t, validReply(t, func(b *envelope.Builder) {
		b.Entry = `while true do end`
	}), patch.DefaultPolicy, func(c *Config) {
		c.RunTimeout = 50 * time.Millisecond
	})

	h.send(t, nil)
	if h.loader.State() != NotReady || h.loader.Error() != CodePayloadRejected {
		t.Fatalf("after hung entry: state %v, error %d", h.loader.State(), h.loader.Error())
	}

	// The latch is free again, so the next request starts a new attempt.
	h.send(t, nil)
	if n := len(h.transport.URLs()); n != 2 {
		t.Errorf("fetched %d times, want 2", n)
	}
	if h.loader.State() != NotReady {
		t.Errorf("state = %v, want not_ready", h.loader.State())
	}
}

func TestLoaderRejectedBlockNeverRuns(t *testing.T) {
	key := testutil.SigningKey(t)
	h := newHarness(t, func(url string) fetchtest.Reply {
		b := payloadBuilder(commitment(t, url))
		buf, err := b.BuildSigned(key.Private)
		if err != nil {
			t.Error(err)
		}
		buf[len(buf)-1] ^= 1
		return fetchtest.Reply{Body: buf}
	}, patch.DefaultPolicy)

	h.send(t, nil)
	if n := h.logger.count("entry"); n != 0 {
		t.Errorf("entry ran %d times for a rejected block", n)
	}
	if got := h.word(t, 0x80000100); got != 0 {
		t.Errorf("rejected block patched the image: %#08x", got)
	}
}

func TestLoaderRetriesFromScratch(t *testing.T) {
	key := testutil.SigningKey(t)
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, func(url string) fetchtest.Reply {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return fetchtest.Reply{Result: fetch.ResultHTTPStatus, Body: []byte("busy")}
		}
		buf, err := payloadBuilder(commitment(t, url)).BuildSigned(key.Private)
		if err != nil {
			t.Error(err)
		}
		return fetchtest.Reply{Body: buf}
	}, patch.DefaultPolicy)

	h.send(t, nil)
	if h.loader.State() != NotReady || h.loader.Error() != CodeResponse {
		t.Fatalf("after failure: state %v, error %d", h.loader.State(), h.loader.Error())
	}

	h.send(t, nil)
	if h.loader.State() != Ready {
		t.Fatalf("after retry: state %v, error %d", h.loader.State(), h.loader.Error())
	}

	urls := h.transport.URLs()
	if len(urls) != 2 {
		t.Fatalf("fetched %d times, want 2", len(urls))
	}
	if urls[0] == urls[1] {
		t.Error("retry reused the previous request")
	}
}

func TestLoaderReplayedResponse(t *testing.T) {
	key := testutil.SigningKey(t)
	var mu sync.Mutex
	var first []byte
	h := newHarness(t, func(url string) fetchtest.Reply {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			buf, err := payloadBuilder(commitment(t, url)).BuildSigned(key.Private)
			if err != nil {
				t.Error(err)
			}
			first = buf
			// Fail the transfer; the block is replayed on the next attempt.
			return fetchtest.Reply{Result: fetch.ResultNetwork, NilResponse: true}
		}
		return fetchtest.Reply{Body: first}
	}, patch.DefaultPolicy)

	h.send(t, nil)
	h.send(t, nil)
	if h.loader.Error() != CodeSaltMismatch {
		t.Errorf("Error() = %d, want %d", h.loader.Error(), CodeSaltMismatch)
	}
}

func TestLoaderFetchingIsNoop(t *testing.T) {
	release := make(chan struct{})
	respond := validReply(t, nil)
	h := newHarness(t, func(url string) fetchtest.Reply {
		<-release
		return respond(url)
	}, patch.DefaultPolicy)

	if _, err := h.loader.SendRequest(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if h.loader.State() != Fetching {
		t.Fatalf("state = %v, want fetching", h.loader.State())
	}
	token, err := h.loader.SendRequest(context.Background(), func() { t.Error("forward called while fetching") })
	if err != nil || token != 0 {
		t.Errorf("SendRequest() while fetching = %d, %v", token, err)
	}
	if n := len(h.transport.URLs()); n != 1 {
		t.Errorf("fetched %d times while in flight", n)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.loader.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if h.loader.State() != Ready {
		t.Errorf("state = %v, want ready", h.loader.State())
	}
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) (identity.Signature, identity.Certificate, error) {
	return identity.Signature{}, identity.Certificate{}, errors.New("/dev/es unavailable")
}

func TestLoaderMakeRequestFailure(t *testing.T) {
	key := testutil.SigningKey(t)

	tests := []struct {
		name      string
		signer    identity.Signer
		failMake  bool
		wantIsErr error
	}{
		{"signer", failingSigner{}, false, identity.ErrIdentityUnavailable},
		{"create request", identity.NewHostSigner(t.TempDir()), true, fetch.ErrRequestCreationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := fetchtest.New(nil)
			tr.FailCreate = tt.failMake
			l, err := New(Config{
				Params:    request.DefaultParams(),
				Signer:    tt.signer,
				Transport: tr,
				Verifier:  verify.New(key.Public),
			})
			if err != nil {
				t.Fatal(err)
			}
			defer l.Close()

			_, err = l.SendRequest(context.Background(), nil)
			if !errors.Is(err, tt.wantIsErr) {
				t.Errorf("SendRequest() error = %v, want %v", err, tt.wantIsErr)
			}
			if l.State() != NotReady || l.Error() != CodeMakeRequest {
				t.Errorf("state %v error %d, want not_ready %d", l.State(), l.Error(), CodeMakeRequest)
			}
			if err := l.Wait(context.Background()); err != nil {
				t.Errorf("Wait() error = %v", err)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	tr := fetchtest.New(nil)
	signer := identity.NewHostSigner(t.TempDir())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad params", Config{Params: request.Params{}, Signer: signer, Transport: tr}},
		{"no signer", Config{Params: request.DefaultParams(), Transport: tr}},
		{"no transport", Config{Params: request.DefaultParams(), Signer: signer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	l, err := New(Config{Params: request.DefaultParams(), Signer: signer, Transport: tr})
	if err != nil {
		t.Fatalf("New() with embedded key error = %v", err)
	}
	l.Close()
}

func TestSetAggressivePacketChecks(t *testing.T) {
	h := newHarness(t, validReply(t, nil), patch.DefaultPolicy)
	ctx := context.Background()

	if _, err := h.loader.SetAggressivePacketChecks(ctx, RoomVSWW); !errors.Is(err, ErrNotReady) {
		t.Errorf("before ready: error = %v, want ErrNotReady", err)
	}

	h.send(t, nil)

	tests := []struct {
		room RoomType
		want int32
	}{
		{RoomVSWW, bridge.Reset},
		{RoomVSRegional, bridge.False},
		{RoomBTWW, bridge.Reset},
		{RoomBTRegional, bridge.False},
		{RoomFroomHost, bridge.False},
		{RoomJoiningWW, bridge.Reset},
		{RoomJoiningBTWW, bridge.Reset},
		{RoomJoiningRegional, bridge.False},
		{RoomNone, bridge.False},
	}
	for _, tt := range tests {
		if res, err := h.loader.SetAggressivePacketChecks(ctx, tt.room); err != nil || res != 0 {
			t.Fatalf("room %d: SetAggressivePacketChecks() = %d, %v", tt.room, res, err)
		}
		got, err := h.loader.Exec(ctx, bridge.GetValue{Key: bridge.KeyEnableAggressivePacketChecks})
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("room %d: value = %d, want %d", tt.room, got, tt.want)
		}
	}
}
