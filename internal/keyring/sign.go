package keyring

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CanonicalBidPayload produces the byte sequence a producer signs and
// the validator verifies: compact JSON with lexicographically ordered
// keys and a normalized decimal value. Both sides must agree byte for
// byte, so the encoding is built by hand rather than through a
// marshaller whose field order could drift, and trailing zeros are
// stripped so 150.50 and 150.500 sign identically.
func CanonicalBidPayload(auctionID, bidderID string, value decimal.Decimal) []byte {
	return []byte(fmt.Sprintf(`{"auction_id":%q,"bidder_id":%q,"value":%q}`,
		auctionID, bidderID, canonicalValue(value)))
}

func canonicalValue(value decimal.Decimal) string {
	s := value.String()
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// Sign produces the base64 RSA PKCS#1 v1.5 SHA-256 signature a producer
// attaches to a bid. The validator never signs; this exists for bid
// producers and tests.
func Sign(key *rsa.PrivateKey, auctionID, bidderID string, value decimal.Decimal) (string, error) {
	digest := sha256.Sum256(CanonicalBidPayload(auctionID, bidderID, value))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign bid payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// MarshalPublicKeyPEM renders a key in the PEM form LoadDir accepts.
func MarshalPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKIX public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
