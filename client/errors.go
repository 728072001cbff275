package client

import (
	"fmt"
	"strings"
)

// FailureKind classifies a failed attempt.
type FailureKind string

const (
	FailureConnection FailureKind = "connection_error"
	FailureHTTP       FailureKind = "http_error"
	FailureEmpty      FailureKind = "empty_response"
	FailureNonJSON    FailureKind = "non_json_response"
	FailureParse      FailureKind = "parse_error"
)

type Attempt struct {
	Endpoint   string
	URL        string
	Kind       FailureKind
	StatusCode int
	Err        error
}

// CommunicationError reports that no endpoint produced a usable answer.
type CommunicationError struct {
	Attempts []Attempt
	Last     error
}

func (e *CommunicationError) Error() string {
	if len(e.Attempts) == 0 {
		if e.Last != nil {
			return fmt.Sprintf("license server communication failed: %v", e.Last)
		}
		return "license server communication failed"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Endpoint, a.Kind))
	}
	return fmt.Sprintf("license server communication failed after %d attempts (%s): %v",
		len(e.Attempts), strings.Join(parts, ", "), e.Last)
}

func (e *CommunicationError) Unwrap() error {
	return e.Last
}

// IsProtocol reports whether the server was reached but the last answer
// could not be read as a license response.
func (e *CommunicationError) IsProtocol() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	switch e.Attempts[len(e.Attempts)-1].Kind {
	case FailureNonJSON, FailureParse, FailureEmpty:
		return true
	}
	return false
}
