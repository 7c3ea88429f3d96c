// Package crypto defines the at-rest encryption envelope and the
// password-to-key contract protecting all patient and health data.
package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// AlgorithmTag is the only cipher the envelope format carries.
	AlgorithmTag = "aes-256-gcm"

	// KDFName and friends describe the fixed key-derivation contract.
	KDFName       = "pbkdf2"
	KDFIterations = 600000
	KDFHash       = "sha256"
)

// KDFParams describes how the key for an envelope was derived.
type KDFParams struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
}

// Envelope is the immutable ciphertext container written to storage.
// All byte fields are base64. Created once per plaintext payload and
// never mutated afterwards.
type Envelope struct {
	Ciphertext  string    `json:"ciphertext"`
	IV          string    `json:"iv"`
	AuthTag     string    `json:"authTag"`
	Salt        string    `json:"salt"`
	Algorithm   string    `json:"algorithm"`
	KDF         KDFParams `json:"kdf"`
	EncryptedAt time.Time `json:"encryptedAt"`
}

// NewEnvelope assembles an envelope around already-encrypted material.
func NewEnvelope(ciphertext, iv, authTag, salt string, now time.Time) (Envelope, error) {
	for name, v := range map[string]string{"ciphertext": ciphertext, "iv": iv, "authTag": authTag, "salt": salt} {
		if v == "" {
			return Envelope{}, fmt.Errorf("envelope %s required", name)
		}
		if _, err := base64.StdEncoding.DecodeString(v); err != nil {
			return Envelope{}, fmt.Errorf("envelope %s is not base64: %w", name, err)
		}
	}
	return Envelope{
		Ciphertext:  ciphertext,
		IV:          iv,
		AuthTag:     authTag,
		Salt:        salt,
		Algorithm:   AlgorithmTag,
		KDF:         KDFParams{Name: KDFName, Iterations: KDFIterations, Hash: KDFHash},
		EncryptedAt: now,
	}, nil
}

// Equal compares structurally over the cryptographic fields; the
// creation timestamp does not participate.
func (e Envelope) Equal(other Envelope) bool {
	return e.Ciphertext == other.Ciphertext &&
		e.IV == other.IV &&
		e.AuthTag == other.AuthTag &&
		e.Salt == other.Salt
}

// Encode serializes the envelope to its opaque storage form:
// base64 of the canonical JSON object.
func (e Envelope) Encode() string {
	b, _ := json.Marshal(e)
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeEnvelope parses the opaque storage form back into an envelope,
// rejecting containers with an unexpected algorithm or KDF descriptor.
func DecodeEnvelope(s string) (Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Algorithm != AlgorithmTag {
		return Envelope{}, fmt.Errorf("unsupported envelope algorithm %q", e.Algorithm)
	}
	if e.KDF.Name != KDFName || e.KDF.Hash != KDFHash {
		return Envelope{}, fmt.Errorf("unsupported key derivation %s/%s", e.KDF.Name, e.KDF.Hash)
	}
	if e.Ciphertext == "" || e.IV == "" || e.AuthTag == "" || e.Salt == "" {
		return Envelope{}, errors.New("envelope missing cryptographic fields")
	}
	return e, nil
}
