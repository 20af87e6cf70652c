package subscription

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// State is a connection's lifecycle state
type State int

const (
	StateIdle State = iota
	StateRetrievingSubscription
	StateBackfilling
	StateConnected
	StateReconnecting
	// StateFailed is reached when subscription retrieval exhausts its retries
	StateFailed
	// StateClosed is reached only through Close
	StateClosed
)

var stateNames = []string{
	StateIdle:                   "idle",
	StateRetrievingSubscription: "retrieving_subscription",
	StateBackfilling:            "backfilling",
	StateConnected:              "connected",
	StateReconnecting:           "reconnecting",
	StateFailed:                 "failed",
	StateClosed:                 "closed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrSubscriptionNotFound  = errors.New("no subscription matches the search parameters")
	ErrSubscriptionAmbiguous = errors.New("more than one subscription matches the search parameters")
	ErrConnectionClosed      = errors.New("connection closed")
)

// RetryPolicy governs subscription retrieval. MaxRetries < 0 retries forever;
// otherwise the first attempt is followed by at most MaxRetries retries.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func (p RetryPolicy) Unbounded() bool {
	return p.MaxRetries < 0
}

// retryState counts attempts within one retrieval
type retryState struct {
	policy   RetryPolicy
	attempts int
}

// next records an attempt and reports whether another one is allowed afterwards
func (r *retryState) next() (remaining int, more bool) {
	r.attempts++
	if r.policy.Unbounded() {
		return -1, true
	}
	remaining = r.policy.MaxRetries + 1 - r.attempts
	return remaining, remaining > 0
}

// ParseSearchParams parses a Subscription search such as
// "criteria=Task?status=requested&status=active&payload=application/fhir+json".
// Unlike url.ParseQuery a '+' is kept literally, so mime types survive.
func ParseSearchParams(raw string) (url.Values, error) {
	out := url.Values{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.PathUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("search parameter %q: %w", k, err)
		}
		value, err := url.PathUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("search parameter %q: %w", k, err)
		}
		if key == "" {
			return nil, fmt.Errorf("search parameter without name in %q", raw)
		}
		out.Add(key, value)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty subscription search %q", raw)
	}
	return out, nil
}
