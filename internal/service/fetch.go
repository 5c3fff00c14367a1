package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/logging"
	"github.com/pulsarengine/stage1/internal/stage"
)

// PayloadLoader is the part of stage.Loader the fetch service drives.
type PayloadLoader interface {
	SendRequest(ctx context.Context, forward func()) (fetch.Token, error)
	Wait(ctx context.Context) error
	State() stage.State
	Error() int32
}

// AttemptError is returned when every attempt failed. Code is the host
// error code latched by the last attempt.
type AttemptError struct {
	Attempts int
	Code     int32
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("payload not loaded after %d attempts (error %d)", e.Attempts, e.Code)
}

// FetchService retries the loader the way the host's login flow does: each
// failed attempt is retried from scratch and a Ready loader forwards the
// next request to the host.
type FetchService struct {
	loader  PayloadLoader
	retries int
	backoff time.Duration
	logger  logging.Logger
}

// NewFetchService creates a fetch service making at most retries+1 attempts.
func NewFetchService(loader PayloadLoader, retries int, backoff time.Duration, logger logging.Logger) *FetchService {
	return &FetchService{
		loader:  loader,
		retries: retries,
		backoff: backoff,
		logger:  logging.OrNop(logger),
	}
}

// FetchResult contains the outcome of a successful run.
type FetchResult struct {
	Attempts int
	// Forwarded reports whether the retried request reached forward.
	Forwarded bool
}

// Run drives the loader until it is Ready, then issues the retry the host
// would make so that forward runs once.
func (s *FetchService) Run(ctx context.Context, forward func()) (*FetchResult, error) {
	var last int32
	for attempt := 1; attempt <= s.retries+1; attempt++ {
		if attempt > 1 && s.backoff > 0 {
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if _, err := s.loader.SendRequest(ctx, nil); err != nil {
			last = s.loader.Error()
			s.logger.Warn("request not sent", "attempt", attempt, "error", err, "code", last)
			continue
		}
		if err := s.loader.Wait(ctx); err != nil {
			return nil, err
		}

		if s.loader.State() == stage.Ready {
			res := &FetchResult{Attempts: attempt}
			_, err := s.loader.SendRequest(ctx, func() {
				res.Forwarded = true
				if forward != nil {
					forward()
				}
			})
			if err != nil {
				return nil, err
			}
			s.logger.Info("payload ready", "attempts", attempt)
			return res, nil
		}

		last = s.loader.Error()
		s.logger.Warn("attempt failed", "attempt", attempt, "code", last)
	}
	return nil, &AttemptError{Attempts: s.retries + 1, Code: last}
}
