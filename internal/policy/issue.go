package policy

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Issue signs claims with priv and returns the token and certificate lines.
// The agent only verifies policies; Issue backs the fake entitlement service used in tests.
func Issue(claims Claims, priv ed25519.PrivateKey) (token, certificate string, err error) {
	token, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign policy: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return "", "", fmt.Errorf("failed to encode certificate: %w", err)
	}

	return token, base64.StdEncoding.EncodeToString(der), nil
}
