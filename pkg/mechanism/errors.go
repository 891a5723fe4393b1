package mechanism

import (
	"errors"
	"io/fs"
	"os"

	"github.com/ctrliq/pgpmech/pkg/certstore"
)

// ErrorKind is the coarse error classification surfaced across the
// foreign boundary.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindInvalidArgument
	ErrorKindIO
)

// ErrInvalidArgument marks caller-fixable argument errors.
var ErrInvalidArgument = errors.New("invalid argument")

// KindOf classifies an error into the closed kind enumeration.
// Malformed key handles and argument errors are caller-fixable;
// filesystem and store access failures are I/O; everything else,
// including missing keys and failed verification, is unknown.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, certstore.ErrMalformedKeyHandle):
		return ErrorKindInvalidArgument
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) {
		return ErrorKindIO
	}

	return ErrorKindUnknown
}
