package checkout

import (
	"errors"
	"fmt"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("too many purchase attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e RateLimitedError) Unwrap() error { return ErrRateLimited }
