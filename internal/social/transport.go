package social

import "fmt"

// TransportError reports a failed provider call. StatusCode is zero for pure
// network failures and carries the HTTP status otherwise so callers can keep
// provider-specific distinctions such as 404 on instance lookup.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (transportError *TransportError) Error() string {
	if transportError.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", transportError.Operation, transportError.StatusCode)
	}
	return fmt.Sprintf("%s: %v", transportError.Operation, transportError.Err)
}

// Unwrap exposes the underlying network error, if any.
func (transportError *TransportError) Unwrap() error {
	return transportError.Err
}

// NewStatusError builds a TransportError for a non-2xx provider response.
func NewStatusError(operation string, statusCode int) *TransportError {
	return &TransportError{Operation: operation, StatusCode: statusCode}
}

// NewNetworkError builds a TransportError for a failed network exchange.
func NewNetworkError(operation string, err error) *TransportError {
	return &TransportError{Operation: operation, Err: err}
}
