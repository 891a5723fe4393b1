package policy

import (
	"crypto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "defaults",
			cfg:  DefaultConfig,
		},
		{
			name: "empty",
			cfg:  Config{},
		},
		{
			name:    "unknown hash",
			cfg:     Config{RejectHashes: []string{"sha3-999"}},
			wantErr: true,
		},
		{
			name:    "unknown public key algorithm",
			cfg:     Config{RejectPublicKeyAlgorithms: []string{"rot13"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		_, err := New(tt.cfg)
		if tt.wantErr && err == nil {
			t.Errorf("expected error for %q", tt.name)
		} else if !tt.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %s", tt.name, err)
		}
	}
}

func TestPacketConfig(t *testing.T) {
	p, err := New(DefaultConfig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	cfg := p.PacketConfig()
	if !cfg.RejectHashAlgorithms[crypto.SHA1] {
		t.Errorf("sha1 not rejected by default policy")
	}
	if !cfg.RejectMessageHashAlgorithms[crypto.MD5] {
		t.Errorf("md5 not rejected for messages by default policy")
	}
	if !cfg.RejectPublicKeyAlgorithms[packet.PubKeyAlgoDSA] {
		t.Errorf("dsa not rejected by default policy")
	}
	if cfg.MinRSABits != DefaultConfig.MinRSABits {
		t.Errorf("unexpected minimum RSA bits: got %d instead of %d", cfg.MinRSABits, DefaultConfig.MinRSABits)
	}
}

func TestSigningKeys(t *testing.T) {
	e, err := openpgp.NewEntity("Test", "No comment", "test@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error while generating pgp key: %s", err)
	}

	p, err := New(DefaultConfig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	keys := p.SigningKeys(e, time.Now())
	if len(keys) == 0 {
		t.Fatalf("no signing key found for a freshly generated entity")
	}
	if keys[0] != e.PrimaryKey {
		t.Errorf("primary key is not the first signing key")
	}
}

func TestSigningKeysRejectedRSA(t *testing.T) {
	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoRSA, RSABits: 2048}
	e, err := openpgp.NewEntity("Test", "No comment", "test@example.com", cfg)
	if err != nil {
		t.Fatalf("unexpected error while generating pgp key: %s", err)
	}

	p, err := New(Config{MinRSABits: 4096})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if keys := p.SigningKeys(e, time.Now()); len(keys) != 0 {
		t.Fatalf("unexpected signing keys for undersized RSA key: got %d instead of 0", len(keys))
	}
}

func TestSigningKeysExpired(t *testing.T) {
	cfg := &packet.Config{KeyLifetimeSecs: 3600}
	e, err := openpgp.NewEntity("Test", "No comment", "test@example.com", cfg)
	if err != nil {
		t.Fatalf("unexpected error while generating pgp key: %s", err)
	}

	p, err := New(DefaultConfig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if keys := p.SigningKeys(e, time.Now()); len(keys) == 0 {
		t.Fatalf("no signing key found before key expiry")
	}
	if keys := p.SigningKeys(e, time.Now().Add(2*time.Hour)); len(keys) != 0 {
		t.Fatalf("unexpected signing keys after key expiry: got %d instead of 0", len(keys))
	}
}

func TestLoad(t *testing.T) {
	// missing file falls back to the default policy
	t.Setenv(policyPathEnv, filepath.Join(t.TempDir(), "nonexistent.yaml"))
	p, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !p.rejectedHashes[crypto.SHA1] {
		t.Errorf("default policy not applied for a missing configuration file")
	}

	// explicit configuration overrides the defaults
	path := filepath.Join(t.TempDir(), "policy.yaml")
	config := `
min-rsa-bits: 3072
reject-hashes: [md5]
reject-public-key-algorithms: [dsa, elgamal]
`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatalf("unexpected error while writing configuration: %s", err)
	}
	t.Setenv(policyPathEnv, path)

	p, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if p.minRSABits != 3072 {
		t.Errorf("unexpected minimum RSA bits: got %d instead of 3072", p.minRSABits)
	}
	if p.rejectedHashes[crypto.SHA1] {
		t.Errorf("sha1 rejected even though the configuration replaced the default list")
	}
	if !p.rejectedHashes[crypto.MD5] {
		t.Errorf("md5 not rejected")
	}

	// malformed configuration is an error
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("unexpected error while writing configuration: %s", err)
	}
	if _, err := Load(); err == nil {
		t.Errorf("expected error for malformed configuration")
	}
}
