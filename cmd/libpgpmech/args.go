package main

import (
	"fmt"
	"unicode/utf8"

	"github.com/ctrliq/pgpmech/pkg/mechanism"
)

// checkUTF8 validates a caller supplied string argument.
func checkUTF8(s, what string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", mechanism.ErrInvalidArgument, what)
	}
	return nil
}

// checkIndex validates an accessor index against a result size.
func checkIndex(index, count uint64) error {
	if index >= count {
		return fmt.Errorf("%w: no matching key handle", mechanism.ErrInvalidArgument)
	}
	return nil
}
