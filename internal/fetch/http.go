package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout bounds a whole transfer.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "stage1/1.0"
)

// HTTPTransport implements Transport with net/http. Timeouts and
// cancellation are owned here and surface as nonzero result codes.
type HTTPTransport struct {
	client    *http.Client
	userAgent string

	ctx    context.Context
	cancel context.CancelFunc
	token  atomic.Int32
	wg     sync.WaitGroup
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithTimeout sets the per-transfer timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) { t.client.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport creates a transport. Close it to abort transfers in flight.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTPTransport{
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Allow up to 10 redirects
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent: DefaultUserAgent,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type httpRequest struct {
	req  *http.Request
	dst  []byte
	done Callback
}

type httpResponse struct {
	resp   *http.Response
	n      int
	closed sync.Once
}

func (r *httpResponse) Len() int { return r.n }

// StatusCode returns the HTTP status.
func (r *httpResponse) StatusCode() int { return r.resp.StatusCode }

// CreateRequest prepares a GET of url.
func (t *HTTPTransport) CreateRequest(url string, dst []byte, done Callback) (Request, error) {
	if done == nil {
		return nil, fmt.Errorf("nil callback")
	}
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	return &httpRequest{req: req, dst: dst, done: done}, nil
}

// SendAsync starts the transfer on its own goroutine.
func (t *HTTPTransport) SendAsync(r Request) Token {
	hr := r.(*httpRequest)
	token := Token(t.token.Add(1))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		result, resp := t.do(hr)
		hr.done(result, resp)
	}()
	return token
}

func (t *HTTPTransport) do(hr *httpRequest) (int32, Response) {
	resp, err := t.client.Do(hr.req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ResultCanceled, nil
		}
		return ResultNetwork, nil
	}

	out := &httpResponse{resp: resp}
	if resp.StatusCode != http.StatusOK {
		return ResultHTTPStatus, out
	}

	n, err := io.ReadFull(resp.Body, hr.dst)
	out.n = n
	switch {
	case err == nil:
		// Destination full; anything left means the body did not fit.
		var probe [1]byte
		if m, _ := resp.Body.Read(probe[:]); m > 0 {
			return ResultOverflow, out
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	default:
		if errors.Is(err, context.Canceled) {
			return ResultCanceled, out
		}
		return ResultNetwork, out
	}
	return ResultOK, out
}

// DestroyResponse closes the response body.
func (t *HTTPTransport) DestroyResponse(r Response) {
	if hr, ok := r.(*httpResponse); ok {
		hr.closed.Do(func() { hr.resp.Body.Close() })
	}
}

// Close aborts transfers in flight and waits for their callbacks.
func (t *HTTPTransport) Close() {
	t.cancel()
	t.wg.Wait()
}
