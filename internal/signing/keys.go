package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyBlock = "PRIVATE KEY"
	publicKeyBlock  = "PUBLIC KEY"
)

// NewEphemeral returns a local signer with a freshly generated key. Signatures made with
// it cannot be verified after the process exits.
func NewEphemeral() (*Local, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewLocal(priv), nil
}

// LoadOrCreate reads a PEM encoded PKCS#8 ed25519 key from path, generating and writing a
// new one when the file does not exist.
func LoadOrCreate(path string) (*Local, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		signer, err := NewEphemeral()
		if err != nil {
			return nil, err
		}
		if err := WritePrivateKey(path, signer.priv); err != nil {
			return nil, err
		}
		return signer, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	priv, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewLocal(priv), nil
}

// ParsePrivateKey decodes a PEM PKCS#8 ed25519 private key.
func ParsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privateKeyBlock {
		return nil, errors.New("signing key: no PEM private key block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing key: not an ed25519 key")
	}
	return priv, nil
}

// ParsePublicKey decodes a PEM PKIX ed25519 public key.
func ParsePublicKey(raw []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != publicKeyBlock {
		return nil, errors.New("public key: no PEM public key block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key: not an ed25519 key")
	}
	return pub, nil
}

// EncodePublicKey returns pub as a PEM PKIX block.
func EncodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyBlock, Bytes: der}), nil
}

// WritePrivateKey stores priv at path with owner-only permissions, and its public key
// next to it with a .pub suffix.
func WritePrivateKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: privateKeyBlock, Bytes: der}), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	pubPEM, err := EncodePublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".pub", pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
