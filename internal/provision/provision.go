// Package provision talks to the cloud provisioning service and classifies its
// failures into the hunt's error taxonomy.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/screa/ip-hunter/pkg/types"
)

// Client acquires and releases address-bearing resources.
// Implementations must be safe for concurrent use.
type Client interface {
	Acquire(ctx context.Context) (*types.Resource, error)
	Release(ctx context.Context, resourceID string) error
}

// Kind is the hunt-level category of a provisioning failure
type Kind int

const (
	KindTransient Kind = iota
	KindQuota
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	default:
		return "transient"
	}
}

// Outcome maps the kind onto the attempt outcome recorded in statistics
func (k Kind) Outcome() types.Outcome {
	switch k {
	case KindAuth:
		return types.AuthError
	case KindQuota:
		return types.QuotaError
	default:
		return types.TransientError
	}
}

// Error is a classified provisioning failure
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Err    error
	// Orphan is a resource created during the failed call that could not be
	// deleted again; OrphanErr is why
	Orphan    string
	OrphanErr error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Orphan != "" {
		msg += fmt.Sprintf(" (left %s behind: %v)", e.Orphan, e.OrphanErr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusKinds is the mapping table from HTTP status to hunt error kind.
// Statuses missing from the table are transient.
var statusKinds = map[int]Kind{
	http.StatusUnauthorized:          KindAuth,
	http.StatusForbidden:             KindQuota,
	http.StatusRequestEntityTooLarge: KindQuota, // OpenStack overLimit
	http.StatusTooManyRequests:       KindQuota,
	http.StatusConflict:              KindQuota, // quota exceeded on floating IP create
	http.StatusRequestTimeout:        KindTransient,
	http.StatusInternalServerError:   KindTransient,
	http.StatusBadGateway:            KindTransient,
	http.StatusServiceUnavailable:    KindTransient,
	http.StatusGatewayTimeout:        KindTransient,
}

// ClassifyStatus looks a status code up in the mapping table
func ClassifyStatus(status int) Kind {
	if k, ok := statusKinds[status]; ok {
		return k
	}
	return KindTransient
}

// StatusError builds a classified error from an HTTP response status
func StatusError(op string, status int, body string) *Error {
	return &Error{Kind: ClassifyStatus(status), Op: op, Status: status, Body: body}
}

// Classify turns any error into a *Error. Network failures and timeouts are transient.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// OrphanOf returns the resource a failed call left behind, if any
func OrphanOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Orphan
	}
	return ""
}

// KindOf reports the kind of err, treating unclassified errors as transient
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
