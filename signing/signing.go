// Package signing signs unlock challenge tokens with a vendor RSA key.
//
// Some bootloaders hand out a token that must come back signed with
// the vendor key before they accept an unlock. The signature is
// RSA PKCS#1 v1.5 over the SHA-256 digest of the token.
package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var ErrInvalidKey = errors.New("invalid private key")

// parseKey accepts PEM encoded PKCS#1, PKCS#8 and OpenSSH RSA keys.
func parseKey(pemKey []byte) (*rsa.PrivateKey, error) {
	raw, err := ssh.ParseRawPrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an RSA key", ErrInvalidKey, raw)
	}
	return key, nil
}

// Sign returns the signature of token. The same token and key
// always give the same bytes.
func Sign(token, pemKey []byte) ([]byte, error) {
	key, err := parseKey(pemKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(token)
	return rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
}

// SignFile reads the key from path and signs token with it.
// A read failure is returned wrapped, so os errors stay matchable.
func SignFile(token []byte, path string) ([]byte, error) {
	pemKey, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return Sign(token, pemKey)
}

func Verify(token, signature []byte, pub *rsa.PublicKey) error {
	digest := sha256.Sum256(token)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature)
}
