// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package mechanism binds a certificate store, a private key custody
// backend and a trust policy into an OpenPGP signing and verification
// mechanism for container image tooling.
package mechanism

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/sirupsen/logrus"

	"github.com/ctrliq/pgpmech/pkg/certstore"
	"github.com/ctrliq/pgpmech/pkg/keystore"
	"github.com/ctrliq/pgpmech/pkg/policy"
)

// Mechanism is a fully initialized signing/verification mechanism. It
// owns its keystore and policy; the certificate store is shared with
// the transient verification helpers. A Mechanism is not safe for
// concurrent use without external synchronization.
type Mechanism struct {
	keystore *keystore.Keystore
	certs    *certstore.Store
	policy   *policy.Policy
}

// NewFromDirectory opens a mechanism rooted at home, creating the
// certificate store and keystore subtrees as needed.
func NewFromDirectory(home string) (*Mechanism, error) {
	certs, err := certstore.Open(filepath.Join(home, "data", "pgp.cert.d"))
	if err != nil {
		return nil, fmt.Errorf("while opening certificate store: %w", err)
	}

	ks, err := keystore.Connect(filepath.Join(home, "data", "keystore"))
	if err != nil {
		certs.Close()
		return nil, fmt.Errorf("while connecting to keystore: %w", err)
	}

	pol, err := policy.Load()
	if err != nil {
		certs.Close()
		return nil, fmt.Errorf("while loading policy: %w", err)
	}

	return &Mechanism{keystore: ks, certs: certs, policy: pol}, nil
}

// NewEphemeral opens a mechanism with an in-memory certificate store
// and no persistent key custody, for throwaway operations.
func NewEphemeral() (*Mechanism, error) {
	certs, err := certstore.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("while opening certificate store: %w", err)
	}

	ks, err := keystore.ConnectEphemeral()
	if err != nil {
		certs.Close()
		return nil, fmt.Errorf("while connecting to keystore: %w", err)
	}

	pol, err := policy.Load()
	if err != nil {
		certs.Close()
		return nil, fmt.Errorf("while loading policy: %w", err)
	}

	return &Mechanism{keystore: ks, certs: certs, policy: pol}, nil
}

// Close releases the mechanism's stores.
func (m *Mechanism) Close() error {
	return m.certs.Close()
}

// ImportKeys parses blob as a sequence of certificates, imports their
// key material into the softkeys backend and registers them in the
// certificate store. Malformed records are logged and skipped. It
// returns the fingerprint of every imported certificate in parse
// order; an empty blob yields an empty result without touching the
// backend.
func (m *Mechanism) ImportKeys(blob []byte) ([]string, error) {
	fingerprints := []string{}

	if len(blob) == 0 {
		return fingerprints, nil
	}

	var softkeys *keystore.Backend
	for _, b := range m.keystore.Backends() {
		if b.ID() == keystore.SoftkeysBackendID {
			softkeys = b
			break
		}
	}
	if softkeys == nil {
		return nil, errors.New("softkeys backend is not configured")
	}

	certs, err := readCerts(blob)
	if err != nil {
		return nil, fmt.Errorf("while reading certificates: %w", err)
	}

	for _, e := range certs {
		if err := softkeys.Import(e); err != nil {
			return nil, fmt.Errorf("while importing key material: %w", err)
		}
		if err := m.certs.Update(e); err != nil {
			return nil, fmt.Errorf("while updating certificate store: %w", err)
		}
		fingerprints = append(fingerprints, certstore.Fingerprint(e.PrimaryKey))
	}

	return fingerprints, nil
}

// readCerts parses zero or more certificates from an armored or
// binary blob. Unreadable records are logged and skipped so a
// partially corrupt stream degrades gracefully.
func readCerts(blob []byte) ([]*openpgp.Entity, error) {
	var r io.Reader = bytes.NewReader(blob)

	if bytes.HasPrefix(bytes.TrimLeft(blob, " \t\r\n"), []byte("-----BEGIN")) {
		block, err := armor.Decode(r)
		if err != nil {
			return nil, err
		}
		r = block.Body
	}

	var certs []*openpgp.Entity

	packets := packet.NewReader(r)
	for {
		e, err := openpgp.ReadEntity(packets)
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithError(err).Info("Skipping unreadable certificate")
			if !skipToNextEntity(packets) {
				break
			}
			continue
		}
		certs = append(certs, e)
	}

	return certs, nil
}

// skipToNextEntity drains packets until the next primary key packet
// and reports whether one was found.
func skipToNextEntity(packets *packet.Reader) bool {
	for {
		p, err := packets.Next()
		if err != nil {
			return false
		}
		switch pk := p.(type) {
		case *packet.PublicKey:
			if !pk.IsSubkey {
				packets.Unread(p)
				return true
			}
		case *packet.PrivateKey:
			if !pk.IsSubkey {
				packets.Unread(p)
				return true
			}
		}
	}
}

// Sign produces a signed-and-literal OpenPGP message over data using
// the key selected by keyHandle. The first policy-accepted signing
// key of the first matching certificate is used. A non-nil password
// unlocks the key before signing, even when empty; unlock failures
// are propagated, never retried.
func (m *Mechanism) Sign(keyHandle string, password *string, data []byte) ([]byte, error) {
	handle, err := certstore.ParseKeyHandle(keyHandle)
	if err != nil {
		return nil, err
	}

	certs, err := m.certs.LookupByCertOrSubkey(handle)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s from certificate store: %w", keyHandle, err)
	}

	now := time.Now()
	var selected []string
	for _, e := range certs {
		for _, pk := range m.policy.SigningKeys(e, now) {
			selected = append(selected, certstore.Fingerprint(pk))
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no matching signing key for %s", keyHandle)
	}

	keys, err := m.keystore.FindKey(selected[0])
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("no matching key in keystore")
	}

	key := keys[0]
	if password != nil {
		if err := key.Unlock(*password); err != nil {
			return nil, err
		}
	}

	sink := new(bytes.Buffer)
	w, err := openpgp.Sign(sink, key.Entity(), &openpgp.FileHints{IsBinary: true}, m.policy.PacketConfig())
	if err != nil {
		return nil, fmt.Errorf("while preparing signed message: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("while writing signed message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("while finalizing signed message: %w", err)
	}

	return sink.Bytes(), nil
}

// ExportCerts writes every stored certificate to w as an armored
// keyring.
func (m *Mechanism) ExportCerts(w io.Writer) error {
	el, err := m.certs.Certs()
	if err != nil {
		return err
	}
	return certstore.WriteArmoredKeyRing(w, el)
}
