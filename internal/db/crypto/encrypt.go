// Package crypto seals analytical connection URIs before they reach the
// metastore.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// uriLabel binds ciphertexts to their purpose as GCM additional data: a blob
// lifted from another column or system fails authentication on open.
var uriLabel = []byte("querydeck:database-uri:v1")

// Encryptor seals and opens connection URIs with AES-256-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a hex-encoded 32-byte key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithRandomNonce(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals a URI and returns hex-encoded ciphertext, nonce included.
func (e *Encryptor) Encrypt(uri string) (string, error) {
	sealed := e.aead.Seal(nil, nil, []byte(uri), uriLabel)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens hex-encoded ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(hexCiphertext string) (string, error) {
	sealed, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	uri, err := e.aead.Open(nil, nil, sealed, uriLabel)
	if err != nil {
		return "", fmt.Errorf("decrypt connection uri: %w", err)
	}
	return string(uri), nil
}
