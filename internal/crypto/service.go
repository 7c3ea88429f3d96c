package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryption marks an authentication failure: wrong key or tampered
// ciphertext. Callers bulk-loading answers skip and log rather than
// aborting on it.
var ErrDecryption = errors.New("decryption failed: wrong key or corrupted data")

const (
	keyLength  = 32 // 256 bit
	ivLength   = 12 // GCM standard nonce
	saltLength = 16
	tagLength  = 16
)

// EncryptionService is the primitive-crypto surface the domain core
// consumes. Keys and salts travel base64-encoded.
type EncryptionService interface {
	// DeriveKey derives a 256-bit key from the password. When salt is
	// empty a fresh random salt is generated and returned with the key.
	DeriveKey(password, salt string) (key, usedSalt string, err error)
	// Encrypt seals plaintext under key with a fresh random IV.
	Encrypt(plaintext, key string) (Envelope, error)
	// Decrypt opens an envelope; ErrDecryption when the tag does not verify.
	Decrypt(env Envelope, key string) (string, error)
	// HashPassword and VerifyPassword are not used by the envelope
	// path; unlock verifies keys by sample decryption instead of a
	// stored hash. They exist for integrations that need an opaque
	// password digest.
	HashPassword(password string) string
	VerifyPassword(password, hash string) bool
	GenerateRandomString(n int) (string, error)
}

// AESGCMService implements the contract with PBKDF2-SHA256 key
// derivation and AES-256-GCM sealing.
type AESGCMService struct {
	iterations int
	now        func() time.Time
}

var _ EncryptionService = (*AESGCMService)(nil)

func NewAESGCMService() *AESGCMService {
	return &AESGCMService{
		iterations: KDFIterations,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *AESGCMService) DeriveKey(password, salt string) (string, string, error) {
	if password == "" {
		return "", "", errors.New("password required")
	}
	var saltBytes []byte
	if salt == "" {
		saltBytes = make([]byte, saltLength)
		if _, err := rand.Read(saltBytes); err != nil {
			return "", "", fmt.Errorf("generate salt: %w", err)
		}
	} else {
		var err error
		saltBytes, err = base64.StdEncoding.DecodeString(salt)
		if err != nil {
			return "", "", fmt.Errorf("decode salt: %w", err)
		}
	}
	key := pbkdf2.Key([]byte(password), saltBytes, s.iterations, keyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(saltBytes), nil
}

func (s *AESGCMService) Encrypt(plaintext, key string) (Envelope, error) {
	gcm, err := s.aead(key)
	if err != nil {
		return Envelope{}, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	// The envelope records a salt so decryptors can re-derive the key
	// from the session password without extra stored state.
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("generate salt: %w", err)
	}
	return NewEnvelope(
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(salt),
		s.now(),
	)
}

func (s *AESGCMService) Decrypt(env Envelope, key string) (string, error) {
	gcm, err := s.aead(key)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return "", fmt.Errorf("decode auth tag: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

func (s *AESGCMService) HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (s *AESGCMService) VerifyPassword(password, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(s.HashPassword(password)), []byte(hash)) == 1
}

func (s *AESGCMService) GenerateRandomString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *AESGCMService) aead(key string) (cipher.AEAD, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(keyBytes) != keyLength {
		return nil, fmt.Errorf("invalid key length: expected %d, got %d", keyLength, len(keyBytes))
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
