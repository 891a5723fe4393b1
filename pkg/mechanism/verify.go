package mechanism

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"

	"github.com/ctrliq/pgpmech/pkg/certstore"
	"github.com/ctrliq/pgpmech/pkg/policy"
)

var errNoValidSignature = errors.New("no valid signature")

// VerificationResult carries the recovered content and the signer's
// primary key fingerprint. Both buffers belong to the result.
type VerificationResult struct {
	Content []byte
	Signer  string
}

// Verify checks an OpenPGP message for at least one valid signature
// from a certificate known to the store. The trust policy is reloaded
// for every call so on-disk policy edits take effect per verification.
func (m *Mechanism) Verify(signature []byte) (*VerificationResult, error) {
	if len(signature) == 0 {
		return nil, errors.New("empty signature")
	}

	pol, err := policy.Load()
	if err != nil {
		return nil, fmt.Errorf("while loading policy: %w", err)
	}

	h := newVerifyHelper(m.certs)

	md, err := openpgp.ReadMessage(bytes.NewReader(signature), h, nil, pol.PacketConfig())
	if err != nil {
		return nil, fmt.Errorf("while reading message: %w", err)
	}

	content, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("while reading message body: %w", err)
	}

	// reading the body to completion must finalize the signature
	// state whenever the signer was resolved; anything else is a
	// parser contract violation
	if md.IsSigned && md.SignedBy != nil && md.Signature == nil && md.SignatureError == nil {
		return nil, errors.New("message was not fully processed")
	}

	if err := h.check(messageLayers(md)); err != nil {
		return nil, err
	}

	return &VerificationResult{
		Content: content,
		Signer:  certstore.Fingerprint(h.signer.PrimaryKey),
	}, nil
}

// signatureResult is the outcome of one signature in a signature
// group: a signing certificate on success, an error otherwise.
type signatureResult struct {
	signer *openpgp.Entity
	err    error
}

// messageLayer is one layer of the parsed message structure.
// Encryption layers are informational only; compression layers are
// handled transparently by the parser and never surface here.
type messageLayer interface {
	isMessageLayer()
}

type encryptionLayer struct {
	symmetric bool
}

type signatureGroupLayer struct {
	results []signatureResult
}

func (encryptionLayer) isMessageLayer()     {}
func (signatureGroupLayer) isMessageLayer() {}

// messageLayers builds the ordered layer list from a fully processed
// message.
func messageLayers(md *openpgp.MessageDetails) []messageLayer {
	var layers []messageLayer

	if md.IsEncrypted || md.IsSymmetricallyEncrypted {
		layers = append(layers, encryptionLayer{symmetric: md.IsSymmetricallyEncrypted})
	}

	if md.IsSigned {
		r := signatureResult{err: md.SignatureError}
		if md.SignedBy != nil {
			r.signer = md.SignedBy.Entity
		} else if r.err == nil {
			r.err = fmt.Errorf("key not found for key ID %016X", md.SignedByKeyId)
		}
		if r.err == nil && md.Signature != nil && md.Signature.SigLifetimeSecs != nil {
			expiry := md.Signature.CreationTime.Add(time.Duration(*md.Signature.SigLifetimeSecs) * time.Second)
			if time.Now().After(expiry) {
				r.err = fmt.Errorf("signature expired on %s", expiry)
			}
		}
		layers = append(layers, signatureGroupLayer{results: []signatureResult{r}})
	}

	return layers
}

// verifyHelper resolves referenced certificates during stream
// processing and inspects the finalized message structure. It is
// single-use: the collected signer is set at most once.
type verifyHelper struct {
	certs  *certstore.Store
	signer *openpgp.Entity
}

func newVerifyHelper(certs *certstore.Store) *verifyHelper {
	return &verifyHelper{certs: certs}
}

// resolve returns the certificates matching a referenced key ID. A
// reference with no match contributes nothing.
func (h *verifyHelper) resolve(id uint64) openpgp.EntityList {
	el, err := h.certs.LookupByCertOrSubkey(certstore.KeyHandleFromKeyID(id))
	if err != nil {
		logrus.WithError(err).WithField("keyid", fmt.Sprintf("%016X", id)).
			Info("Certificate lookup failed")
		return nil
	}
	return el
}

// KeysById implements openpgp.KeyRing against the certificate store.
func (h *verifyHelper) KeysById(id uint64) []openpgp.Key {
	return h.resolve(id).KeysById(id)
}

// KeysByIdUsage implements openpgp.KeyRing against the certificate
// store.
func (h *verifyHelper) KeysByIdUsage(id uint64, requiredUsage byte) []openpgp.Key {
	return h.resolve(id).KeysByIdUsage(id, requiredUsage)
}

// DecryptionKeys implements openpgp.KeyRing. The helper verifies
// only; it never supplies decryption keys.
func (h *verifyHelper) DecryptionKeys() []openpgp.Key {
	return nil
}

// check scans the layer list in order and records the issuing
// certificate of the first successful result in the first signature
// group, ignoring failed results in the same group. Scanning stops at
// the first success; a message without one fails.
func (h *verifyHelper) check(layers []messageLayer) error {
	for _, l := range layers {
		switch l := l.(type) {
		case encryptionLayer:
			if l.symmetric {
				logrus.Info("Symmetrically encrypted message layer")
			} else {
				logrus.Info("Encrypted message layer")
			}
		case signatureGroupLayer:
			for _, r := range l.results {
				if r.err == nil && r.signer != nil {
					h.signer = r.signer
					return nil
				}
			}
		}
	}
	return errNoValidSignature
}
