package certstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedKeyHandle reports key handle syntax errors, as opposed
// to handles that are well-formed but match nothing.
var ErrMalformedKeyHandle = errors.New("malformed key handle")

// KeyHandle is a parsed key identifier: either a full fingerprint or a
// short/long key ID, always stored as uppercase hex.
type KeyHandle struct {
	fingerprint string
	keyID       string
}

// ParseKeyHandle parses a caller supplied key identifier. Accepted
// forms are 8 or 16 hex digits (key ID) and 40 or 64 hex digits
// (fingerprint), with an optional 0x prefix.
func ParseKeyHandle(s string) (KeyHandle, error) {
	t := strings.TrimPrefix(s, "0x")

	if _, err := hex.DecodeString(t); err != nil {
		return KeyHandle{}, fmt.Errorf("%w '%s': %s", ErrMalformedKeyHandle, s, err)
	}

	t = strings.ToUpper(t)

	switch len(t) {
	case 8, 16:
		return KeyHandle{keyID: t}, nil
	case 40, 64:
		return KeyHandle{fingerprint: t}, nil
	}
	return KeyHandle{}, fmt.Errorf("%w '%s': must be a key ID or a fingerprint", ErrMalformedKeyHandle, s)
}

// KeyHandleFromKeyID converts a numeric key ID, as referenced by a
// signature packet, into a key handle.
func KeyHandleFromKeyID(id uint64) KeyHandle {
	return KeyHandle{keyID: fmt.Sprintf("%016X", id)}
}

func (h KeyHandle) String() string {
	if h.fingerprint != "" {
		return h.fingerprint
	}
	return h.keyID
}
