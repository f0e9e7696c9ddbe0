// Package crypto holds the credential envelope used for API secrets at
// rest. Ciphertexts are AES-256-GCM with a scrypt-derived key; the envelope
// is base64(salt || nonce || ciphertext).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	keySize  = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var ErrMalformedEnvelope = errors.New("malformed credential envelope")

// Decryptor decrypts credential envelopes produced with the matching
// passphrase. Injected into the task runner at worker startup; the core
// carries no key globals.
type Decryptor struct {
	passphrase []byte
}

// NewDecryptor builds a decryptor over the operator passphrase
func NewDecryptor(passphrase string) (*Decryptor, error) {
	if passphrase == "" {
		return nil, errors.New("empty encryption passphrase")
	}
	return &Decryptor{passphrase: []byte(passphrase)}, nil
}

// Decrypt opens one envelope and returns the plaintext credential
func (d *Decryptor) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(raw) < saltSize {
		return "", ErrMalformedEnvelope
	}

	salt := raw[:saltSize]
	key, err := scrypt.Key(d.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformedEnvelope
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}

// Encrypt seals a credential into an envelope. Used by provisioning tooling
// and tests; the worker itself only decrypts.
func (d *Decryptor) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := scrypt.Key(d.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}
