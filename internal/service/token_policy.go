package service

import (
	"strings"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/gateway"
)

// DefaultInvalidTokenMarkers are error substrings meaning the device token is
// permanently unregistered. Matching is case-sensitive.
var DefaultInvalidTokenMarkers = []string{
	"invalid",
	"not found",
	"Requested entity was not found",
}

// InvalidTokenPolicy decides whether a failed send should retire the token.
type InvalidTokenPolicy struct {
	markers    []string
	errorCodes map[string]struct{}
	// keepOnTransient spares tokens whose failure was classified transient.
	keepOnTransient bool
}

// NewInvalidTokenPolicy builds a policy from markers, falling back to the
// defaults when none are usable. keepOnTransient is off in production config.
func NewInvalidTokenPolicy(markers []string, keepOnTransient bool) *InvalidTokenPolicy {
	cleaned := make([]string, 0, len(markers))
	for _, marker := range markers {
		if marker = strings.TrimSpace(marker); marker != "" {
			cleaned = append(cleaned, marker)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultInvalidTokenMarkers...)
	}

	return &InvalidTokenPolicy{
		markers: cleaned,
		errorCodes: map[string]struct{}{
			gateway.ErrorCodeUnregistered: {},
		},
		keepOnTransient: keepOnTransient,
	}
}

func (p *InvalidTokenPolicy) Markers() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.markers...)
}

// ShouldDeactivate reports whether outcome signals a dead registration.
// Any failure whose text carries a marker qualifies, whatever its status code.
func (p *InvalidTokenPolicy) ShouldDeactivate(outcome domain.Outcome) bool {
	if p == nil || outcome.Success {
		return false
	}
	if p.keepOnTransient && outcome.Transient {
		return false
	}

	if _, ok := p.errorCodes[outcome.ErrorCode]; ok {
		return true
	}

	for _, marker := range p.markers {
		if strings.Contains(outcome.Error, marker) {
			return true
		}
	}

	return false
}
