package problems

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of failure classes a request can end in.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMaintenance
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Cause is optional and never shown to callers.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

func Unauthorized(cause error) *Error { return New(KindUnauthorized, cause) }
func Forbidden(cause error) *Error    { return New(KindForbidden, cause) }
func NotFound(cause error) *Error     { return New(KindNotFound, cause) }
func Maintenance() *Error             { return New(KindMaintenance, nil) }
func Unknown(cause error) *Error      { return New(KindUnknown, cause) }

// KindOf returns the kind of the first classified error in err's chain,
// KindUnknown for anything unclassified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Status maps a kind to its HTTP status. maintenanceStatus is the configured
// maintenance code (503 when zero).
func Status(kind Kind, maintenanceStatus int) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMaintenance:
		if maintenanceStatus == 0 {
			return http.StatusServiceUnavailable
		}
		return maintenanceStatus
	case KindUnknown:
		return http.StatusBadRequest
	}
	return http.StatusBadRequest
}

// DefaultBase is used for problem type URLs when no public base is configured.
const DefaultBase = "https://example.com/problems"

// Type builds the problem type URL for kind under base.
func Type(base string, kind Kind) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultBase
	}
	return base + "/" + strings.ReplaceAll(kind.String(), "_", "-")
}
