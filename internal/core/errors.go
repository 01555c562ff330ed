package core

import (
	"errors"
	"fmt"
)

// Ingestion and dispatch errors.
var (
	// ErrMalformedPayload marks a payload that cannot be parsed into the
	// expected shape. The message is dropped; redelivery is a transport
	// concern.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrDeviceNotFound marks a lookup of a device id with no record.
	ErrDeviceNotFound = errors.New("device not found")
)

// BusinessError represents a business rule violation with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
