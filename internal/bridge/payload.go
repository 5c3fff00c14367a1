package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/logging"
	"github.com/pulsarengine/stage1/internal/luavm"
	"github.com/pulsarengine/stage1/internal/patch"
	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrRejected is returned when a verified block cannot be run.
	ErrRejected = errors.New("payload rejected")

	// ErrRuntime is returned when payload code raises an error.
	ErrRuntime = errors.New("payload runtime error")

	// ErrClosed is returned by Exec after Close.
	ErrClosed = errors.New("payload closed")
)

// DefaultLoadBase is where the payload buffer is mapped on the host.
const DefaultLoadBase uint32 = 0x80001800

// Options configures Run.
type Options struct {
	// LoadBase is the address the block is mapped at.
	LoadBase uint32
	// Target receives patches the payload applies.
	Target patch.Target
	// Policy filters patches by level.
	Policy patch.Policy
	Logger logging.Logger
}

// Payload is a resident payload. Exec calls are serialized.
type Payload struct {
	mu     sync.Mutex
	L      *lua.LState
	exec   *lua.LFunction
	env    *envelope.Envelope
	info   envelope.Info
	got    []uint32
	base   uint32
	logger logging.Logger
}

// Run enters the payload once and resolves its dispatcher. The returned
// result is the entry chunk's integer result; a non-nil Payload is returned
// whenever the entry chunk ran, whatever its result.
//
// Entering through entry_point relocates fixups and the GOT first. When
// entry_point is zero, entry_point_no_got is used and nothing is rebased.
//
// After entry the dispatcher is called once with
// SetValue{KeyEnableAggressivePacketChecks, False}.
func Run(ctx context.Context, e *envelope.Envelope, opts Options) (*Payload, int32, error) {
	if err := e.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if opts.LoadBase == 0 {
		opts.LoadBase = DefaultLoadBase
	}
	info := e.Info()

	entryOff := info.EntryPoint
	var got []uint32
	if entryOff != 0 {
		var err error
		if got, err = relocate(e, opts.LoadBase); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	} else {
		entryOff = info.EntryPointNoGOT
		raw, err := e.GOT()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		got = raw
	}

	entrySrc, err := e.CString(entryOff)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: entry chunk: %w", ErrRejected, err)
	}
	execSrc, err := e.CString(info.FunctionExec)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: exec chunk: %w", ErrRejected, err)
	}

	p := &Payload{
		L:      luavm.NewWithContext(ctx),
		env:    e,
		info:   info,
		got:    got,
		base:   opts.LoadBase,
		logger: logging.OrNop(opts.Logger),
	}
	if err := p.install(opts); err != nil {
		p.L.Close()
		return nil, 0, err
	}

	result, err := p.callChunk("entry", entrySrc)
	if err != nil {
		p.L.Close()
		return nil, 0, err
	}
	if err := p.loadExec(execSrc); err != nil {
		p.L.Close()
		return nil, 0, err
	}
	p.L.RemoveContext()

	if _, err := p.Exec(ctx, SetValue{Key: KeyEnableAggressivePacketChecks, Value: False}); err != nil {
		p.Close()
		return nil, 0, err
	}

	p.logger.Info("payload running", "name", info.Name, "version", info.Version, "result", result)
	return p, result, nil
}

func (p *Payload) callChunk(name, src string) (int32, error) {
	fn, err := p.L.Load(strings.NewReader(src), name)
	if err != nil {
		return 0, fmt.Errorf("%w: compile %s chunk: %w", ErrRejected, name, err)
	}
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return 0, fmt.Errorf("%w: %s chunk: %w", ErrRuntime, name, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	result, err := luavm.Int32(ret)
	if err != nil {
		return 0, fmt.Errorf("%w: %s chunk result: %w", ErrRuntime, name, err)
	}
	return result, nil
}

func (p *Payload) loadExec(src string) error {
	fn, err := p.L.Load(strings.NewReader(src), "exec")
	if err != nil {
		return fmt.Errorf("%w: compile exec chunk: %w", ErrRejected, err)
	}
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return fmt.Errorf("%w: exec chunk: %w", ErrRuntime, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	dispatch, ok := ret.(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%w: exec chunk returned %s, want function", ErrRejected, ret.Type())
	}
	p.exec = dispatch
	return nil
}

// Exec calls the dispatcher with cmd and returns its integer result.
func (p *Payload) Exec(ctx context.Context, cmd Command) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exec == nil {
		return -1, ErrClosed
	}
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	args := append([]lua.LValue{lua.LNumber(cmd.Function())}, cmd.args(p.L)...)
	if err := p.L.CallByParam(lua.P{Fn: p.exec, NRet: 1, Protect: true}, args...); err != nil {
		return -1, fmt.Errorf("%w: %v: %w", ErrRuntime, cmd.Function(), err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	result, err := luavm.Int32(ret)
	if err != nil {
		return -1, fmt.Errorf("%w: %v result: %w", ErrRuntime, cmd.Function(), err)
	}
	return result, nil
}

// Info returns the info block of the running payload.
func (p *Payload) Info() envelope.Info {
	return p.info
}

// GOT returns the GOT entries as seen by the payload.
func (p *Payload) GOT() []uint32 {
	return append([]uint32(nil), p.got...)
}

// Close releases the VM. Later Exec calls fail with ErrClosed.
func (p *Payload) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exec == nil {
		return
	}
	p.exec = nil
	p.L.Close()
}
