package ibkr

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// parsePrivateKey loads the RSA signing key from PEM (PKCS#8 or PKCS#1).
func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	return key, nil
}

// signClientAssertion builds the short-lived OAuth client assertion:
// RS256, 60 second lifetime, audience set to the token endpoint.
func signClientAssertion(key *rsa.PrivateKey, clientID, clientKeyID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(60 * time.Second).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = clientKeyID
	token.Header["typ"] = "JWT"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}

// signSSOCredential builds the credential JWT exchanged for an SSO session.
// The allowed IP claim is included only when configured.
func signSSOCredential(key *rsa.PrivateKey, clientID, clientKeyID, credential, allowedIP string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"credential": credential,
		"iss":        clientID,
		"iat":        now.Unix(),
		"exp":        now.Add(24 * time.Hour).Unix(),
	}
	if allowedIP != "" {
		claims["ip"] = allowedIP
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = clientKeyID
	token.Header["typ"] = "JWT"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign SSO credential: %w", err)
	}
	return signed, nil
}
