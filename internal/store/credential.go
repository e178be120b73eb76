package store

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// CredentialBox seals small secrets (upstream OAuth client secrets,
// provider credentials) with an ephemeral X25519 identity generated once
// per process. It is not a substitute for a real secrets manager; it
// exists so a provider credential handed to this runtime sits encrypted
// in the in-memory store adapter rather than as a bare string field,
// matching the teacher's secrets.Manager/AgeEncryptor split of storage
// from crypto.
type CredentialBox struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewCredentialBox generates a fresh process-local identity. The key
// never leaves the process and is not persisted, so sealed values do not
// survive a restart — acceptable here because every caller re-derives
// the plaintext credential (env var, config) at startup and reseals it.
func NewCredentialBox() (*CredentialBox, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &CredentialBox{identity: id, recipient: id.Recipient()}, nil
}

// Seal encrypts plaintext for this box's own identity.
func (b *CredentialBox) Seal(plaintext string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a value previously sealed by this same box.
func (b *CredentialBox) Open(ciphertext []byte) (string, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), b.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt read: %w", err)
	}
	return string(plaintext), nil
}
