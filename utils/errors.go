package utils

import (
	"github.com/pkg/errors"
)

// NewPanicError converts a recovered panic value into an error.
func NewPanicError(thePanic interface{}) error {
	if err, ok := thePanic.(error); ok {
		return errors.Wrap(err, "recovered from panic")
	}
	return errors.Errorf("recovered from panic: %v", thePanic)
}
