// Package certstore implements a persistent OpenPGP certificate store
// queryable by primary key or subkey handle.
package certstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"
)

const (
	keySep       = ":"
	certPrefix   = "cert" + keySep
	subkeyPrefix = "subkey" + keySep
)

// certRecord is the stored form of a certificate: the public
// serialization plus the subkey fingerprints used to maintain the
// subkey aliases on update.
type certRecord struct {
	Fingerprint string   `json:"fingerprint"`
	Subkeys     []string `json:"subkeys"`
	Cert        []byte   `json:"cert"`
}

type subkeyRecord struct {
	Primary string `json:"primary"`
}

// Store is a buntdb backed certificate store. It tolerates concurrent
// readers; interleaving updates with reads is the caller's concern.
type Store struct {
	db *buntdb.DB
}

// Open opens the certificate store rooted at dir, creating the
// directory and database as needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := buntdb.Open(filepath.Join(dir, "certs.db"))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an empty in-memory certificate store.
func OpenMemory() (*Store, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint returns the canonical uppercase hex fingerprint of a key.
func Fingerprint(pk *packet.PublicKey) string {
	return fmt.Sprintf("%X", pk.Fingerprint)
}

// Update inserts or replaces the certificate record for e. The public
// serialization replaces any previous one and subkey aliases are
// refreshed, dropping aliases for subkeys no longer present.
func (s *Store) Update(e *openpgp.Entity) error {
	fp := Fingerprint(e.PrimaryKey)

	buf := new(bytes.Buffer)
	if err := e.Serialize(buf); err != nil {
		return fmt.Errorf("while serializing certificate %s: %s", fp, err)
	}

	rec := certRecord{
		Fingerprint: fp,
		Cert:        buf.Bytes(),
	}
	for _, sub := range e.Subkeys {
		rec.Subkeys = append(rec.Subkeys, Fingerprint(sub.PublicKey))
	}

	val, err := json.Marshal(&rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		// drop aliases from a previous record that the new
		// certificate no longer carries
		if old, err := tx.Get(certPrefix + fp); err == nil {
			current := make(map[string]bool, len(rec.Subkeys))
			for _, sk := range rec.Subkeys {
				current[sk] = true
			}
			for _, r := range gjson.Get(old, "subkeys").Array() {
				if !current[r.String()] {
					if _, err := tx.Delete(subkeyPrefix + r.String()); err != nil && err != buntdb.ErrNotFound {
						return err
					}
				}
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}

		if _, _, err := tx.Set(certPrefix+fp, string(val), nil); err != nil {
			return err
		}
		for _, sk := range rec.Subkeys {
			alias, err := json.Marshal(&subkeyRecord{Primary: fp})
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(subkeyPrefix+sk, string(alias), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// LookupByCertOrSubkey returns the certificates matching a key handle,
// whether the handle designates a primary key or a subkey. Key IDs are
// matched by fingerprint suffix in store iteration order. An empty
// result is not an error.
func (s *Store) LookupByCertOrSubkey(h KeyHandle) (openpgp.EntityList, error) {
	var el openpgp.EntityList

	seen := make(map[string]bool)
	appendRecord := func(val string) error {
		e, fp, err := unmarshalCertRecord(val)
		if err != nil {
			return err
		}
		if !seen[fp] {
			seen[fp] = true
			el = append(el, e)
		}
		return nil
	}

	err := s.db.View(func(tx *buntdb.Tx) error {
		if h.fingerprint != "" {
			val, err := tx.Get(certPrefix + h.fingerprint)
			if err == nil {
				if err := appendRecord(val); err != nil {
					return err
				}
			} else if err != buntdb.ErrNotFound {
				return err
			}

			alias, err := tx.Get(subkeyPrefix + h.fingerprint)
			if err == buntdb.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}
			val, err = tx.Get(certPrefix + gjson.Get(alias, "primary").String())
			if err == buntdb.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}
			return appendRecord(val)
		}

		// key ID search: the key ID is the fingerprint suffix
		var iterErr error
		if err := tx.AscendKeys(certPrefix+"*"+h.keyID, func(key, val string) bool {
			iterErr = appendRecord(val)
			return iterErr == nil
		}); err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}

		if err := tx.AscendKeys(subkeyPrefix+"*"+h.keyID, func(key, val string) bool {
			cert, err := tx.Get(certPrefix + gjson.Get(val, "primary").String())
			if err == buntdb.ErrNotFound {
				return true
			} else if err != nil {
				iterErr = err
				return false
			}
			iterErr = appendRecord(cert)
			return iterErr == nil
		}); err != nil {
			return err
		}
		return iterErr
	})

	return el, err
}

// Certs returns every certificate in the store, in store iteration
// order.
func (s *Store) Certs() (openpgp.EntityList, error) {
	var el openpgp.EntityList

	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		if err := tx.AscendKeys(certPrefix+"*", func(key, val string) bool {
			e, _, err := unmarshalCertRecord(val)
			if err != nil {
				iterErr = err
				return false
			}
			el = append(el, e)
			return true
		}); err != nil {
			return err
		}
		return iterErr
	})

	return el, err
}

func unmarshalCertRecord(val string) (*openpgp.Entity, string, error) {
	var rec certRecord

	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, "", err
	}

	packets := packet.NewReader(bytes.NewReader(rec.Cert))
	e, err := openpgp.ReadEntity(packets)
	if err != nil && err != io.EOF {
		return nil, "", err
	}

	return e, rec.Fingerprint, nil
}

// WriteArmoredKeyRing writes the armored ASCII format of the
// entity list to w.
func WriteArmoredKeyRing(w io.Writer, el openpgp.EntityList) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return err
	}
	defer aw.Close()

	for _, e := range el {
		if err := e.Serialize(aw); err != nil {
			return err
		}
	}

	return nil
}
