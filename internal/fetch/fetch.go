// Package fetch issues the asynchronous payload download.
//
// The Transport interface is the boundary to the host's network stack. A
// Session wraps it so that callers see exactly one Completion per request
// on a channel, however the transport delivers its callback.
package fetch

import (
	"errors"
	"fmt"
	"sync"
)

// Transport result codes. Zero means the transfer finished.
const (
	ResultOK         int32 = 0
	ResultNetwork    int32 = 1
	ResultHTTPStatus int32 = 2
	ResultOverflow   int32 = 3
	ResultCanceled   int32 = 4
)

// ErrRequestCreationFailed is returned when the transport cannot allocate a request.
var ErrRequestCreationFailed = errors.New("request creation failed")

// Request is an opaque transport request handle.
type Request interface{}

// Response is an opaque transport response handle. Every non-nil Response
// handed to a Callback must be passed to DestroyResponse exactly once.
type Response interface {
	// Len returns the number of body bytes written to the destination.
	Len() int
}

// Token identifies a sent request to the host.
type Token int32

// Callback is invoked by the transport when a transfer ends.
type Callback func(result int32, resp Response)

// Transport is the host network stack.
type Transport interface {
	// CreateRequest prepares a GET of url whose body is written into dst.
	CreateRequest(url string, dst []byte, done Callback) (Request, error)
	// SendAsync starts the transfer. done is called later on another goroutine.
	SendAsync(req Request) Token
	// DestroyResponse releases a response.
	DestroyResponse(resp Response)
}

// Completion is the single outcome of a fetch.
type Completion struct {
	Result   int32
	Response Response
}

// Session issues fetches over a transport.
type Session struct {
	transport Transport
}

// NewSession returns a session over t.
func NewSession(t Transport) *Session {
	return &Session{transport: t}
}

// Transport returns the underlying transport.
func (s *Session) Transport() Transport {
	return s.transport
}

// Fetch starts downloading url into dst. The returned channel receives
// exactly one Completion; later callbacks from a misbehaving transport are
// destroyed and dropped.
func (s *Session) Fetch(url string, dst []byte) (<-chan Completion, Token, error) {
	done := make(chan Completion, 1)
	var once sync.Once

	cb := func(result int32, resp Response) {
		delivered := false
		once.Do(func() {
			done <- Completion{Result: result, Response: resp}
			delivered = true
		})
		if !delivered && resp != nil {
			s.transport.DestroyResponse(resp)
		}
	}

	req, err := s.transport.CreateRequest(url, dst, cb)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrRequestCreationFailed, err)
	}
	if req == nil {
		return nil, 0, ErrRequestCreationFailed
	}
	return done, s.transport.SendAsync(req), nil
}
