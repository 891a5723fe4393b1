package certstore

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
)

func getEntities(t *testing.T, n int) openpgp.EntityList {
	el := make(openpgp.EntityList, n)

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("Test%d", i)
		mail := fmt.Sprintf("test%d@example.com", i)
		e, err := openpgp.NewEntity(name, "No comment", mail, nil)
		if err != nil {
			t.Fatalf("unexpected error while generating pgp key: %s", err)
		}
		el[i] = e
	}

	return el
}

func TestParseKeyHandle(t *testing.T) {
	tests := []struct {
		name        string
		handle      string
		fingerprint bool
		wantErr     bool
	}{
		{
			name:   "short key id",
			handle: "89AB12CD",
		},
		{
			name:   "long key id",
			handle: "0123456789AB12CD",
		},
		{
			name:   "long key id with prefix",
			handle: "0x0123456789AB12CD",
		},
		{
			name:        "v4 fingerprint",
			handle:      strings.Repeat("AB", 20),
			fingerprint: true,
		},
		{
			name:        "v6 fingerprint",
			handle:      strings.Repeat("ab", 32),
			fingerprint: true,
		},
		{
			name:    "empty",
			handle:  "",
			wantErr: true,
		},
		{
			name:    "not hex",
			handle:  "xyzw5678",
			wantErr: true,
		},
		{
			name:    "odd length",
			handle:  "ABC",
			wantErr: true,
		},
		{
			name:    "wrong length",
			handle:  "ABCD12",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		h, err := ParseKeyHandle(tt.handle)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.name)
			} else if !errors.Is(err, ErrMalformedKeyHandle) {
				t.Errorf("unexpected error type for %q: %s", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %s", tt.name, err)
			continue
		}
		if tt.fingerprint && h.fingerprint == "" {
			t.Errorf("expected a fingerprint handle for %q", tt.name)
		} else if !tt.fingerprint && h.keyID == "" {
			t.Errorf("expected a key ID handle for %q", tt.name)
		}
	}
}

func TestLookupByCertOrSubkey(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("unexpected error while opening store: %s", err)
	}
	defer s.Close()

	el := getEntities(t, 2)
	for _, e := range el {
		if err := s.Update(e); err != nil {
			t.Fatalf("unexpected error while updating store: %s", err)
		}
	}

	e := el[0]
	if len(e.Subkeys) == 0 {
		t.Fatalf("generated entity has no subkey")
	}

	tests := []struct {
		name   string
		handle string
		count  int
	}{
		{
			name:   "primary fingerprint",
			handle: Fingerprint(e.PrimaryKey),
			count:  1,
		},
		{
			name:   "subkey fingerprint",
			handle: Fingerprint(e.Subkeys[0].PublicKey),
			count:  1,
		},
		{
			name:   "primary key id",
			handle: e.PrimaryKey.KeyIdString(),
			count:  1,
		},
		{
			name:   "subkey key id",
			handle: e.Subkeys[0].PublicKey.KeyIdString(),
			count:  1,
		},
		{
			name:   "unknown fingerprint",
			handle: strings.Repeat("00", 20),
			count:  0,
		},
		{
			name:   "unknown key id",
			handle: "0000000000000000",
			count:  0,
		},
	}

	for _, tt := range tests {
		h, err := ParseKeyHandle(tt.handle)
		if err != nil {
			t.Fatalf("unexpected error parsing handle for %q: %s", tt.name, err)
		}
		found, err := s.LookupByCertOrSubkey(h)
		if err != nil {
			t.Errorf("unexpected error for %q: %s", tt.name, err)
			continue
		}
		if len(found) != tt.count {
			t.Errorf("unexpected result count for %q: got %d instead of %d", tt.name, len(found), tt.count)
			continue
		}
		if tt.count == 1 && Fingerprint(found[0].PrimaryKey) != Fingerprint(e.PrimaryKey) {
			t.Errorf("unexpected certificate returned for %q", tt.name)
		}
	}
}

func TestUpdateMerge(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("unexpected error while opening store: %s", err)
	}
	defer s.Close()

	e := getEntities(t, 1)[0]

	for i := 0; i < 2; i++ {
		if err := s.Update(e); err != nil {
			t.Fatalf("unexpected error while updating store: %s", err)
		}
	}

	el, err := s.Certs()
	if err != nil {
		t.Fatalf("unexpected error while listing certificates: %s", err)
	}
	if len(el) != 1 {
		t.Fatalf("unexpected certificate count: got %d instead of 1", len(el))
	}
}

func TestWriteArmoredKeyRing(t *testing.T) {
	el := getEntities(t, 2)

	b := new(bytes.Buffer)
	if err := WriteArmoredKeyRing(b, el); err != nil {
		t.Fatalf("unexpected error while writing keyring: %s", err)
	}

	read, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("unexpected error while reading keyring back: %s", err)
	}
	if len(read) != len(el) {
		t.Fatalf("unexpected entity count: got %d instead of %d", len(read), len(el))
	}
}
