// Package keyring holds the enrolled public verification keys for bid
// producers. Keys are provisioned out of band as PEM files and are
// read-only after load.
package keyring

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSigner    = errors.New("no key enrolled for signer")
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Registry maps a bidder identifier to its RSA public key. A file
// <bidder>.pem in the key directory enrolls bidder identifier <bidder>.
type Registry struct {
	keys map[string]*rsa.PublicKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]*rsa.PublicKey)}
}

// LoadDir enrolls every *.pem file found directly under dir.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read key dir: %w", err)
	}
	r := NewRegistry()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", e.Name(), err)
		}
		key, err := ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", e.Name(), err)
		}
		r.keys[strings.TrimSuffix(e.Name(), ".pem")] = key
	}
	return r, nil
}

// Enroll registers a key directly; used by tests and embedded setups.
func (r *Registry) Enroll(bidderID string, key *rsa.PublicKey) {
	r.keys[bidderID] = key
}

func (r *Registry) Lookup(bidderID string) (*rsa.PublicKey, bool) {
	key, ok := r.keys[bidderID]
	return key, ok
}

func (r *Registry) Len() int { return len(r.keys) }

// VerifyBid checks the bid signature against the enrolled key for its
// bidder. ErrUnknownSigner and ErrInvalidSignature distinguish the two
// rejection reasons.
func (r *Registry) VerifyBid(auctionID, bidderID string, value decimal.Decimal, signatureB64 string) error {
	key, ok := r.Lookup(bidderID)
	if !ok {
		return ErrUnknownSigner
	}
	return Verify(key, auctionID, bidderID, value, signatureB64)
}

// Verify checks an RSA PKCS#1 v1.5 SHA-256 signature over the canonical
// bid payload.
func Verify(key *rsa.PublicKey, auctionID, bidderID string, value decimal.Decimal, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(CanonicalBidPayload(auctionID, bidderID, value))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey decodes a PEM-encoded PKIX RSA public key.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, want RSA", pub)
	}
	return rsaKey, nil
}
