package types

import (
	"fmt"
	"time"
)

// Outcome classifies a single acquire -> check -> release attempt
type Outcome int

const (
	Matched Outcome = iota
	Unmatched
	TransientError
	QuotaError
	AuthError
)

var outcomeNames = [...]string{
	Matched:        "matched",
	Unmatched:      "unmatched",
	TransientError: "transient_error",
	QuotaError:     "quota_error",
	AuthError:      "auth_error",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText lets outcomes appear as readable map keys in persisted statistics
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses the names produced by MarshalText
func (o *Outcome) UnmarshalText(text []byte) error {
	for i, name := range outcomeNames {
		if name == string(text) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(text))
}

// IsError reports whether the outcome came from a failed provisioning call
func (o Outcome) IsError() bool {
	return o == TransientError || o == QuotaError || o == AuthError
}

// Resource is a provisioned, address-bearing handle
type Resource struct {
	ID        string
	Name      string
	Addresses []string
}

// AttemptRecord describes one finished attempt. It is never modified after creation.
type AttemptRecord struct {
	WorkerID      int       `json:"worker_id"`
	AttemptNumber int64     `json:"attempt"`
	ResourceID    string    `json:"resource_id,omitempty"`
	Addresses     []string  `json:"addresses,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Timestamp     time.Time `json:"timestamp"`
	Err           string    `json:"error,omitempty"`
}

// HuntResult is the terminal result of a successful run
type HuntResult struct {
	ResourceID     string
	Addresses      []string
	MatchedAddress string
	MatchedRange   string
	WorkerID       int
	Attempt        int64
	FoundAt        time.Time
}
