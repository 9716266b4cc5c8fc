package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrPEM is returned when PEM input holds no usable block.
var ErrPEM = errors.New("dkim: no PEM key block")

// GenerateKey creates a signing key. keyType is "rsa" (2048 bits),
// "ed25519" or "ecdsa" (P-256).
func GenerateKey(keyType string) (crypto.Signer, error) {
	switch keyType {
	case "", "rsa":
		return rsa.GenerateKey(cryptoRand, 2048)
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(cryptoRand)
		return priv, err
	case "ecdsa":
		return ecdsa.GenerateKey(elliptic.P256(), cryptoRand)
	default:
		return nil, fmt.Errorf("%w: key type %q", ErrSigAlgorithmUnknown, keyType)
	}
}

// ParsePrivateKeyPEM parses a PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrPEM
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
	return signer, nil
}

// ParsePublicKeyPEM parses a PKIX public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrPEM
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes key as a PKIX PEM block.
func MarshalPublicKeyPEM(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
