// Package fetchtest provides an in-memory fetch.Transport for tests.
package fetchtest

import (
	"errors"
	"sync"

	"github.com/pulsarengine/stage1/internal/fetch"
)

// ErrCreate is returned by CreateRequest when Transport.FailCreate is set.
var ErrCreate = errors.New("fetchtest: out of request slots")

// Reply describes how the transport answers the next request.
type Reply struct {
	Body   []byte
	Result int32
	// NilResponse delivers the callback without a response handle.
	NilResponse bool
	// Duplicate delivers the callback twice.
	Duplicate bool
}

// Responder builds the reply for a request URL.
type Responder func(url string) Reply

// Transport records requests and answers them with Respond. Callbacks run
// on their own goroutine like a real transport.
type Transport struct {
	Respond    Responder
	FailCreate bool

	mu        sync.Mutex
	urls      []string
	destroyed map[*Response]int
	handed    int
	token     fetch.Token
	wg        sync.WaitGroup
}

// Response is the handle the fake transport hands out.
type Response struct {
	n int
}

// Len returns the number of bytes written.
func (r *Response) Len() int { return r.n }

type request struct {
	url  string
	dst  []byte
	done fetch.Callback
}

// New returns a transport answering with respond.
func New(respond Responder) *Transport {
	return &Transport{Respond: respond, destroyed: make(map[*Response]int)}
}

// CreateRequest records url.
func (t *Transport) CreateRequest(url string, dst []byte, done fetch.Callback) (fetch.Request, error) {
	if t.FailCreate {
		return nil, ErrCreate
	}
	return &request{url: url, dst: dst, done: done}, nil
}

// SendAsync answers the request on a new goroutine. Respond runs on that
// goroutine, so a blocking Responder holds the transfer open.
func (t *Transport) SendAsync(r fetch.Request) fetch.Token {
	req := r.(*request)

	t.mu.Lock()
	t.urls = append(t.urls, req.url)
	t.token++
	token := t.token
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		reply := Reply{}
		if t.Respond != nil {
			reply = t.Respond(req.url)
		}
		n := copy(req.dst, reply.Body)
		deliver := func() {
			if reply.NilResponse {
				req.done(reply.Result, nil)
				return
			}
			t.mu.Lock()
			t.handed++
			t.mu.Unlock()
			req.done(reply.Result, &Response{n: n})
		}
		deliver()
		if reply.Duplicate {
			deliver()
		}
	}()
	return token
}

// DestroyResponse counts destroys per handle.
func (t *Transport) DestroyResponse(r fetch.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if resp, ok := r.(*Response); ok {
		t.destroyed[resp]++
	}
}

// Wait blocks until every callback has been delivered.
func (t *Transport) Wait() {
	t.wg.Wait()
}

// URLs returns the requested URLs in order.
func (t *Transport) URLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

// Destroys returns how many distinct responses were destroyed and the
// highest destroy count seen for any single response.
func (t *Transport) Destroys() (responses, maxPerResponse int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.destroyed {
		responses++
		if n > maxPerResponse {
			maxPerResponse = n
		}
	}
	return responses, maxPerResponse
}

// Responses returns how many non-nil responses were handed to callbacks.
func (t *Transport) Responses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handed
}
