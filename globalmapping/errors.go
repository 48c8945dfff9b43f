package globalmapping

import "github.com/pkg/errors"

var (
	// ErrNilSubmap is returned when a nil submap is inserted.
	ErrNilSubmap = errors.New("submap is nil")
	// ErrNonFiniteSubmap is returned when a submap origin or point is not a finite number.
	ErrNonFiniteSubmap = errors.New("submap is not finite")
	// ErrCorruptMap is returned when a saved map fails verification on load.
	ErrCorruptMap = errors.New("saved map is corrupt")
	// ErrClosed is returned by an AsyncMapper that has stopped.
	ErrClosed = errors.New("global mapping has stopped")
)
