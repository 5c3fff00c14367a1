// Package stage drives the payload pipeline from the host's request hook.
//
// A Loader owns the payload buffer, the commitment of the request in
// flight and the readiness latch. The host calls SendRequest from its own
// retry loop. While no payload is resident each call starts a fresh
// attempt: challenge, request, fetch. The completion verifies the block,
// runs it and latches Ready. Once Ready, calls go straight to the host.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsarengine/stage1/internal/bridge"
	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/identity"
	"github.com/pulsarengine/stage1/internal/logging"
	"github.com/pulsarengine/stage1/internal/patch"
	"github.com/pulsarengine/stage1/internal/request"
	"github.com/pulsarengine/stage1/internal/verify"
)

// ErrNotReady is returned when no payload is resident.
var ErrNotReady = errors.New("payload not ready")

// Config wires a Loader to its collaborators.
type Config struct {
	Params    request.Params
	Signer    identity.Signer
	Transport fetch.Transport
	// Verifier checks responses. Nil uses the embedded trusted key.
	Verifier *verify.Verifier
	// Target is the host image patches are written to.
	Target patch.Target
	Policy patch.Policy
	// LoadBase is where the payload buffer is mapped. Zero uses bridge.DefaultLoadBase.
	LoadBase uint32
	// RunTimeout bounds the entry chunk. Zero uses DefaultRunTimeout.
	RunTimeout time.Duration
	Logger     logging.Logger
}

// DefaultRunTimeout is how long a payload's entry chunk may run before the
// attempt fails and the loader returns to NotReady.
const DefaultRunTimeout = 10 * time.Second

// Loader is the stage one loader. It is safe for concurrent use.
type Loader struct {
	params     request.Params
	signer     identity.Signer
	session    *fetch.Session
	verifier   *verify.Verifier
	target     patch.Target
	policy     patch.Policy
	loadBase   uint32
	runTimeout time.Duration
	logger     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	latch Latch
	buf   []byte

	mu         sync.Mutex
	commitment [envelope.SaltSize]byte
	done       chan struct{}
	payload    *bridge.Payload
}

// New returns a Loader in the NotReady state.
func New(cfg Config) (*Loader, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	v := cfg.Verifier
	if v == nil {
		key, err := verify.DefaultKey()
		if err != nil {
			return nil, fmt.Errorf("load trusted key: %w", err)
		}
		v = verify.New(key)
	}

	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	return &Loader{
		params:     cfg.Params,
		signer:     cfg.Signer,
		session:    fetch.NewSession(cfg.Transport),
		verifier:   v,
		target:     cfg.Target,
		policy:     cfg.Policy,
		loadBase:   cfg.LoadBase,
		runTimeout: runTimeout,
		logger:     logging.OrNop(cfg.Logger),
		ctx:        ctx,
		cancel:     cancel,
		buf:        make([]byte, envelope.BlockSize),
		done:       done,
	}, nil
}

// State returns the latch state.
func (l *Loader) State() State {
	return l.latch.State()
}

// Error returns the host error slot.
func (l *Loader) Error() int32 {
	return l.latch.Error()
}

// SendRequest replaces the host's request step. When Ready it calls
// forward and returns. When an attempt is in flight it does nothing.
// Otherwise it starts a fresh attempt and returns the transport token.
//
// Failures before the request is sent set CodeMakeRequest and are returned.
func (l *Loader) SendRequest(ctx context.Context, forward func()) (fetch.Token, error) {
	switch l.latch.State() {
	case Ready:
		if forward != nil {
			forward()
		}
		return 0, nil
	case Fetching:
		return 0, nil
	}
	if !l.latch.begin() {
		return 0, nil
	}

	attempt := uuid.NewString()
	done := make(chan struct{})
	l.mu.Lock()
	l.done = done
	l.mu.Unlock()

	token, err := l.start(ctx, attempt, done)
	if err != nil {
		l.logger.Warn("payload request failed", "attempt", attempt, "error", err)
		l.latch.fail(CodeMakeRequest)
		close(done)
		return 0, err
	}
	l.logger.Debug("payload requested", "attempt", attempt, "token", token)
	return token, nil
}

func (l *Loader) start(ctx context.Context, attempt string, done chan struct{}) (fetch.Token, error) {
	challenge, err := identity.Generate(ctx, l.signer)
	if err != nil {
		return 0, err
	}
	desc, err := request.Build(l.params, challenge)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.commitment = desc.CommitmentHash
	l.mu.Unlock()
	clear(l.buf)

	ch, token, err := l.session.Fetch(desc.URL, l.buf)
	if err != nil {
		return 0, err
	}
	go l.complete(attempt, desc.CommitmentHash, ch, done)
	return token, nil
}

// complete handles the single completion of an attempt.
func (l *Loader) complete(attempt string, commitment [envelope.SaltSize]byte, ch <-chan fetch.Completion, done chan struct{}) {
	defer close(done)

	c := <-ch
	if c.Response != nil {
		l.session.Transport().DestroyResponse(c.Response)
	}
	if c.Result != fetch.ResultOK || c.Response == nil {
		l.logger.Warn("payload transfer failed", "attempt", attempt, "result", c.Result)
		l.latch.fail(CodeResponse)
		return
	}

	if err := l.handle(attempt, commitment); err != nil {
		code := Code(err)
		l.logger.Warn("payload rejected", "attempt", attempt, "code", code, "error", err)
		l.latch.fail(code)
	}
}

func (l *Loader) handle(attempt string, commitment [envelope.SaltSize]byte) error {
	e, err := l.verifier.Verify(l.buf, commitment)
	if err != nil {
		return err
	}

	marked, err := patch.MarkDisabled(e, l.policy)
	if err != nil {
		return fmt.Errorf("%w: %w", bridge.ErrRejected, err)
	}
	if marked > 0 {
		l.logger.Debug("patches disabled by policy", "attempt", attempt, "count", marked)
	}

	runCtx, cancel := context.WithTimeout(l.ctx, l.runTimeout)
	defer cancel()
	p, result, err := bridge.Run(runCtx, e, bridge.Options{
		LoadBase: l.loadBase,
		Target:   l.target,
		Policy:   l.policy,
		Logger:   l.logger,
	})
	if err != nil {
		return err
	}

	if result != 0 {
		p.Close()
		l.logger.Warn("payload returned error", "attempt", attempt, "result", result)
		l.latch.fail(result)
		return nil
	}

	l.mu.Lock()
	old := l.payload
	l.payload = p
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}

	info := e.Info()
	l.logger.Info("payload ready", "attempt", attempt, "name", info.Name, "version", info.Version)
	l.latch.ready(ErrorRetry)
	return nil
}

// Wait blocks until the attempt in flight, if any, has completed.
func (l *Loader) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec forwards cmd to the resident payload.
func (l *Loader) Exec(ctx context.Context, cmd bridge.Command) (int32, error) {
	if l.latch.State() != Ready {
		return -1, ErrNotReady
	}
	l.mu.Lock()
	p := l.payload
	l.mu.Unlock()
	if p == nil {
		return -1, ErrNotReady
	}
	return p.Exec(ctx, cmd)
}

// Close stops the resident payload. The loader cannot be reused.
func (l *Loader) Close() {
	l.cancel()
	l.mu.Lock()
	p := l.payload
	l.payload = nil
	l.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
