// Package crypto handles the guardian credential blob: an argon2id +
// AES-256-GCM envelope around the guardian's decrypted key material.
// Blobs only ever exist client-side or in flight; the backend decrypts
// them into the secret cache and never persists the plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time    = 3
	argon2Memory  = 65536 // 64 MiB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltSize      = 32
	nonceSize     = 12
	blobVersion   = 1
)

var (
	// ErrInvalidPassphrase is returned when the passphrase fails to
	// decrypt the credential blob.
	ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted credential blob")

	// ErrUnsupportedVersion is returned for blobs written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported credential blob version")
)

// GuardianMaterial is the decrypted content of a credential blob.
type GuardianMaterial struct {
	PrivateKey string `json:"private_key"`
	Polynomial string `json:"polynomial"`
}

// CredentialBlob is the on-the-wire encrypted envelope.
type CredentialBlob struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptMaterial seals guardian material under a passphrase. Used by the
// guardiankey tool; the backend only ever decrypts.
func EncryptMaterial(material *GuardianMaterial, passphrase string) (*CredentialBlob, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}

	plaintext, err := json.Marshal(material)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal material: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &CredentialBlob{
		Version:    blobVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptMaterial opens a credential blob with the guardian's passphrase.
// Authentication failure and malformed blobs both map to
// ErrInvalidPassphrase so callers cannot distinguish tampering from typos.
func DecryptMaterial(blob *CredentialBlob, passphrase string) (*GuardianMaterial, error) {
	if blob.Version != blobVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, blob.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, ErrInvalidPassphrase
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrInvalidPassphrase
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil || len(ciphertext) < 16 {
		return nil, ErrInvalidPassphrase
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}

	var material GuardianMaterial
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return nil, ErrInvalidPassphrase
	}
	return &material, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
