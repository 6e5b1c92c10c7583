package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIndexOutOfRange is returned when Get is called outside [0, Len()).
var ErrIndexOutOfRange = errors.New("dataset index out of range")

// DataError reports a sample file that is missing or cannot be decoded.
type DataError struct {
	Index int
	Path  string
	Err   error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("sample %d: %s: %v", e.Index, e.Path, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func newDataError(index int, path string, err error) error {
	return errors.WithStack(&DataError{Index: index, Path: path, Err: err})
}

func indexError(index, length int) error {
	return errors.Wrapf(ErrIndexOutOfRange, "index %d not in [0, %d)", index, length)
}
