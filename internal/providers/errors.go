package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoHealthyProvider is returned by the router when neither the resolved
// provider nor any alternative can serve the action.
var ErrNoHealthyProvider = errors.New("no healthy provider available")

// ErrUnknownProvider is returned when an id resolves to nothing.
type ErrUnknownProvider struct {
	ID string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.ID)
}

// Class buckets backend errors by how the runtime should react.
type Class int

const (
	ClassTransient Class = iota // retry with backoff
	ClassPermanent              // no retry; provider cooldown
	ClassUser                   // surface to caller
)

// Classify inspects a backend error and assigns its handling class.
// Matching is string-based, like the SDK error surface it fronts.
func Classify(err error) Class {
	if err == nil {
		return ClassUser
	}

	s := strings.ToLower(err.Error())

	if containsAny(s, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden", "billing", "quota exceeded", "insufficient_quota") {
		return ClassPermanent
	}
	if containsAny(s, "429", "rate limit", "too many requests", "timeout", "connection", "eof", "dial", "refused", "502", "503", "504", "overloaded") {
		return ClassTransient
	}
	return ClassUser
}

// CooldownReasonFor maps a permanent or rate-limit error to its cooldown reason.
func CooldownReasonFor(err error) CooldownReason {
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "429", "rate limit", "too many requests"):
		return CooldownRateLimit
	case containsAny(s, "quota", "billing", "insufficient_quota"):
		return CooldownQuota
	case containsAny(s, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden"):
		return CooldownAuth
	default:
		return CooldownError
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
