// Package keystore wraps the private key custody backend. Key
// material is held by a keyring backend and never handed to callers
// in raw form; keys are parsed fresh on every lookup so a failed
// unlock cannot leave lingering state.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// SoftkeysBackendID identifies the backend able to import raw key
// material.
const SoftkeysBackendID = "softkeys"

// filePassword protects the on-disk keyring items. Key secrecy comes
// from the OpenPGP key passphrases, not from this value.
const filePassword = "pgpmech"

// Keystore is a connection to one or more custody backends.
type Keystore struct {
	backends []*Backend
}

// Backend holds private key material behind a keyring.
type Backend struct {
	id   string
	ring keyring.Keyring
}

// Key is a single private key candidate found in a backend.
type Key struct {
	entity      *openpgp.Entity
	fingerprint string
}

// Connect opens the persistent custody backend rooted at dir,
// creating the directory as needed.
func Connect(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      "pgpmech",
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(filePassword),
	})
	if err != nil {
		return nil, fmt.Errorf("while connecting to keystore: %s", err)
	}

	return &Keystore{
		backends: []*Backend{{id: SoftkeysBackendID, ring: ring}},
	}, nil
}

// ConnectEphemeral opens an in-memory custody backend with no
// persistent storage.
func ConnectEphemeral() (*Keystore, error) {
	return &Keystore{
		backends: []*Backend{{id: SoftkeysBackendID, ring: keyring.NewArrayKeyring(nil)}},
	}, nil
}

// Backends returns the configured custody backends.
func (k *Keystore) Backends() []*Backend {
	return k.backends
}

// ID returns the backend identifier.
func (b *Backend) ID() string {
	return b.id
}

// Import stores the secret key material of e under its primary key
// fingerprint, with one alias per subkey fingerprint. An entity
// without secret material imports as a no-op.
func (b *Backend) Import(e *openpgp.Entity) error {
	if !hasSecretMaterial(e) {
		return nil
	}

	buf := new(bytes.Buffer)
	if err := e.SerializePrivateWithoutSigning(buf, nil); err != nil {
		return fmt.Errorf("while serializing private key: %s", err)
	}

	fp := fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
	fingerprints := []string{fp}
	for _, sub := range e.Subkeys {
		fingerprints = append(fingerprints, fmt.Sprintf("%X", sub.PublicKey.Fingerprint))
	}

	for _, f := range fingerprints {
		if err := b.ring.Set(keyring.Item{
			Key:   f,
			Data:  buf.Bytes(),
			Label: fp,
		}); err != nil {
			return fmt.Errorf("while storing key %s: %s", f, err)
		}
	}

	return nil
}

// FindKey returns the key candidates matching a fingerprint across
// all backends. An empty result is not an error.
func (k *Keystore) FindKey(fingerprint string) ([]*Key, error) {
	fp := strings.ToUpper(fingerprint)

	var keys []*Key
	for _, b := range k.backends {
		item, err := b.ring.Get(fp)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("while searching backend %s: %s", b.id, err)
		}

		packets := packet.NewReader(bytes.NewReader(item.Data))
		e, err := openpgp.ReadEntity(packets)
		if err != nil {
			return nil, fmt.Errorf("while reading key %s from backend %s: %s", fp, b.id, err)
		}
		keys = append(keys, &Key{entity: e, fingerprint: fp})
	}

	return keys, nil
}

// Unlock decrypts the encrypted private keys of the candidate with
// the supplied passphrase. Unlocking an unencrypted key is a no-op.
func (key *Key) Unlock(passphrase string) error {
	pw := []byte(passphrase)

	if pk := key.entity.PrivateKey; pk != nil && pk.Encrypted {
		if err := pk.Decrypt(pw); err != nil {
			return fmt.Errorf("while unlocking key %s: %s", key.fingerprint, err)
		}
	}
	for _, sub := range key.entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(pw); err != nil {
				return fmt.Errorf("while unlocking key %s: %s", key.fingerprint, err)
			}
		}
	}

	return nil
}

// Entity returns the parsed private key entity.
func (key *Key) Entity() *openpgp.Entity {
	return key.entity
}

// Fingerprint returns the fingerprint the candidate was found under.
func (key *Key) Fingerprint() string {
	return key.fingerprint
}

func hasSecretMaterial(e *openpgp.Entity) bool {
	if e.PrivateKey != nil {
		return true
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil {
			return true
		}
	}
	return false
}
