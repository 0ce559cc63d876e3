package upstox

import (
	"errors"
	"fmt"
)

// ErrCredentialExpired is returned once the API rejects the bearer token.
// It is the only fetch condition that escalates past a single symbol.
var ErrCredentialExpired = errors.New("upstox: access token expired or invalid")

// FailureKind classifies why a fetch produced no payload.
type FailureKind int

const (
	KindNone FailureKind = iota
	KindTransientNetwork
	KindRateLimited
	KindClientRejected
	KindCredentialExpired
	KindServerFault
	KindEmptyResult
	KindDataShape
)

var kindNames = map[FailureKind]string{
	KindNone:              "none",
	KindTransientNetwork:  "transient_network",
	KindRateLimited:       "rate_limited",
	KindClientRejected:    "client_rejected",
	KindCredentialExpired: "credential_expired",
	KindServerFault:       "server_fault",
	KindEmptyResult:       "empty_result",
	KindDataShape:         "data_shape",
}

func (k FailureKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindServerFault:
		return true
	}
	return false
}

// Status is the tag of a Result.
type Status int

const (
	StatusSuccess Status = iota
	StatusEmpty
	StatusFailure
)

// Result is the outcome of one fetch: a payload, an explicit "nothing listed",
// or a classified failure. It never carries a payload and a failure together.
type Result struct {
	Status     Status
	Payload    *ChainResponse
	Kind       FailureKind
	StatusCode int
	Cause      error
	Attempts   int
}

// Success wraps a non-empty payload.
func Success(p *ChainResponse, attempts int) Result {
	return Result{Status: StatusSuccess, Payload: p, Attempts: attempts}
}

// Empty marks a well-formed response with no strikes.
func Empty(attempts int) Result {
	return Result{Status: StatusEmpty, Kind: KindEmptyResult, StatusCode: 200, Attempts: attempts}
}

// Failure wraps a classified failure.
func Failure(kind FailureKind, statusCode int, cause error, attempts int) Result {
	return Result{Status: StatusFailure, Kind: kind, StatusCode: statusCode, Cause: cause, Attempts: attempts}
}

// OK reports whether the result carries a payload.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Err converts a non-success result into an error, nil on success.
// Credential failures wrap ErrCredentialExpired.
func (r Result) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusEmpty:
		return &FetchError{Kind: KindEmptyResult, StatusCode: r.StatusCode}
	}
	return &FetchError{Kind: r.Kind, StatusCode: r.StatusCode, Err: r.Cause}
}

// FetchError is the error form of a failed Result.
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches ErrCredentialExpired for credential failures.
func (e *FetchError) Is(target error) bool {
	return target == ErrCredentialExpired && e.Kind == KindCredentialExpired
}

// APIError is a non-200 response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstox %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}
