package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidKey is returned for malformed PEM or a key type the token
// provider cannot sign with (anything other than RSA or ECDSA).
var ErrInvalidKey = errors.New("invalid signing key")

// ParsePrivateKey parses the JWT signing key from config. The value may be
// inline PEM or a path to a PEM file. Only RSA and ECDSA keys are accepted,
// matching the RS256/ES256 methods the token provider signs with.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodeKeyConfig(s)
	if err != nil {
		return nil, err
	}

	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidKey, key)
}

// ParsePublicKey parses the JWT verification key from config, with the same
// inline-or-path convention and RSA/ECDSA restriction as ParsePrivateKey.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodeKeyConfig(s)
	if err != nil {
		return nil, err
	}

	var key any
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		return k, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidKey, key)
}

// decodeKeyConfig turns a config value into a decoded PEM block. A value
// starting with a PEM header is used as is; anything else is read as a path.
func decodeKeyConfig(s string) (*pem.Block, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidKey)
	}
	raw := []byte(s)
	if !strings.HasPrefix(s, "-----BEGIN") {
		var err error
		raw, err = os.ReadFile(s)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	return block, nil
}
