// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package policy holds the trust policy applied to signing and
// verification: which hash and public key algorithms are acceptable
// and which keys of a certificate may produce signatures.
package policy

import (
	"crypto"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"gopkg.in/yaml.v3"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

const (
	Dir  = "/etc/pgpmech"
	File = "policy.yaml"
)

const policyPathEnv = "PGPMECH_POLICY"

// Config is the on-disk policy configuration.
type Config struct {
	MinRSABits                uint16   `yaml:"min-rsa-bits"`
	RejectHashes              []string `yaml:"reject-hashes"`
	RejectPublicKeyAlgorithms []string `yaml:"reject-public-key-algorithms"`
}

var DefaultConfig = Config{
	MinRSABits:                2048,
	RejectHashes:              []string{"md5", "ripemd160", "sha1"},
	RejectPublicKeyAlgorithms: []string{"dsa", "elgamal"},
}

var hashNames = map[string]crypto.Hash{
	"md5":       crypto.MD5,
	"ripemd160": crypto.RIPEMD160,
	"sha1":      crypto.SHA1,
	"sha224":    crypto.SHA224,
	"sha256":    crypto.SHA256,
	"sha384":    crypto.SHA384,
	"sha512":    crypto.SHA512,
}

var pubKeyAlgoNames = map[string]packet.PublicKeyAlgorithm{
	"rsa":     packet.PubKeyAlgoRSA,
	"dsa":     packet.PubKeyAlgoDSA,
	"elgamal": packet.PubKeyAlgoElGamal,
	"ecdsa":   packet.PubKeyAlgoECDSA,
	"ecdh":    packet.PubKeyAlgoECDH,
	"eddsa":   packet.PubKeyAlgoEdDSA,
}

// Policy is a compiled trust policy.
type Policy struct {
	minRSABits      uint16
	rejectedHashes  map[crypto.Hash]bool
	rejectedPubKeys map[packet.PublicKeyAlgorithm]bool
}

// New compiles a policy configuration. Unknown algorithm names are
// rejected so a typo in the configuration cannot silently weaken it.
func New(cfg Config) (*Policy, error) {
	p := &Policy{
		minRSABits:      cfg.MinRSABits,
		rejectedHashes:  make(map[crypto.Hash]bool),
		rejectedPubKeys: make(map[packet.PublicKeyAlgorithm]bool),
	}

	for _, name := range cfg.RejectHashes {
		h, ok := hashNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown hash algorithm '%s' in policy", name)
		}
		p.rejectedHashes[h] = true
	}

	for _, name := range cfg.RejectPublicKeyAlgorithms {
		a, ok := pubKeyAlgoNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown public key algorithm '%s' in policy", name)
		}
		p.rejectedPubKeys[a] = true
	}

	return p, nil
}

// Load reads the policy configuration and compiles it. A missing
// configuration file yields the default policy. Load is called for
// every verification so that configuration edits take effect without
// reconstructing the mechanism.
func Load() (*Policy, error) {
	path := os.Getenv(policyPathEnv)
	if path == "" {
		path = Dir + "/" + File
	}

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	} else if os.IsNotExist(err) {
		return New(DefaultConfig)
	}

	cfg := DefaultConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("while parsing policy configuration: %s", err)
	}

	return New(cfg)
}

// PacketConfig maps the policy onto the parser/serializer knobs used
// for both signing and message verification.
func (p *Policy) PacketConfig() *packet.Config {
	return &packet.Config{
		DefaultHash:                 crypto.SHA256,
		MinRSABits:                  p.minRSABits,
		RejectHashAlgorithms:        p.rejectedHashes,
		RejectMessageHashAlgorithms: p.rejectedHashes,
		RejectPublicKeyAlgorithms:   p.rejectedPubKeys,
	}
}

// acceptableKey applies the algorithm rules to a single public key.
func (p *Policy) acceptableKey(pk *packet.PublicKey) bool {
	if p.rejectedPubKeys[pk.PubKeyAlgo] {
		return false
	}
	switch pk.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly:
		bits, err := pk.BitLength()
		if err != nil || bits < p.minRSABits {
			return false
		}
	}
	return true
}

// SigningKeys returns the keys of e that the policy considers valid
// for signing, primary key first followed by subkeys in certificate
// order. Callers relying on first-match selection depend on this
// ordering.
func (p *Policy) SigningKeys(e *openpgp.Entity, now time.Time) []*packet.PublicKey {
	var keys []*packet.PublicKey

	if len(e.Revocations) == 0 {
		if sig := primarySelfSignature(e); sig != nil {
			if sig.FlagsValid && sig.FlagSign && !e.PrimaryKey.KeyExpired(sig, now) && p.acceptableKey(e.PrimaryKey) {
				keys = append(keys, e.PrimaryKey)
			}
		}
	}

	for _, sub := range e.Subkeys {
		if len(sub.Revocations) != 0 {
			continue
		}
		sig := sub.Sig
		if sig == nil || !sig.FlagsValid || !sig.FlagSign {
			continue
		}
		if sub.PublicKey.KeyExpired(sig, now) || !p.acceptableKey(sub.PublicKey) {
			continue
		}
		keys = append(keys, sub.PublicKey)
	}

	return keys
}

// primarySelfSignature finds the self-signature carrying the primary
// key usage flags, preferring the primary user ID.
func primarySelfSignature(e *openpgp.Entity) *packet.Signature {
	var sig *packet.Signature
	for _, id := range e.Identities {
		if id.SelfSignature == nil {
			continue
		}
		if id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId {
			return id.SelfSignature
		}
		if sig == nil {
			sig = id.SelfSignature
		}
	}
	return sig
}
