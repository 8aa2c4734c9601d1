package storage

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// Cipher transforms stored payloads symmetrically: Decrypt(Encrypt(s)) == s.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AgeCipher encrypts payloads with filippo.io/age. Ciphertext is standard
// base64 so it fits text-only media.
type AgeCipher struct {
	recipients []age.Recipient
	identities []age.Identity
}

// DefaultScryptWorkFactor is the scrypt log2(N) used for passphrase ciphers.
// age's own default (18) costs roughly a second per operation, which is too
// slow for a write on every transition.
const DefaultScryptWorkFactor = 15

// NewPassphraseCipher returns a cipher keyed by a passphrase (age scrypt
// mode). workFactor <= 0 selects DefaultScryptWorkFactor.
func NewPassphraseCipher(passphrase string, workFactor int) (*AgeCipher, error) {
	if passphrase == "" {
		return nil, errors.New("storage: passphrase is required")
	}
	if workFactor <= 0 {
		workFactor = DefaultScryptWorkFactor
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	identity.SetMaxWorkFactor(workFactor)

	return &AgeCipher{
		recipients: []age.Recipient{recipient},
		identities: []age.Identity{identity},
	}, nil
}

// NewKeyCipher returns a cipher for an age X25519 private key in
// AGE-SECRET-KEY-1... form. Payloads are encrypted to the key's own public
// key.
func NewKeyCipher(privateKey string) (*AgeCipher, error) {
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AgeCipher{
		recipients: []age.Recipient{identity.Recipient()},
		identities: []age.Identity{identity},
	}, nil
}

// GenerateKey creates a new X25519 keypair for NewKeyCipher.
func GenerateKey() (privateKey, publicKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

// Encrypt implements Cipher.
func (c *AgeCipher) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, c.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt implements Cipher.
func (c *AgeCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), c.identities...)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}
