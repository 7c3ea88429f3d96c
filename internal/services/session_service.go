package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curaform/anamnese/internal/crypto"
)

// EnvelopeSampler hands out a small sample of stored encrypted payloads
// for key verification during unlock.
type EnvelopeSampler interface {
	SampleEncryptedValues(ctx context.Context, limit int) ([]string, error)
}

// SettingsStore keeps the non-secret key-derivation salt of the master
// password. The salt is the only unlock-related state ever stored;
// there is no password hash.
type SettingsStore interface {
	MasterSalt(ctx context.Context) (string, error)
	SetMasterSalt(ctx context.Context, salt string) error
}

// TokenSigner issues a session token once a key has been verified.
type TokenSigner func(sessionID string, ttl time.Duration) (string, error)

// ErrUnlockFailed is returned when no stored sample decrypts under the
// derived key, i.e. a wrong password.
var ErrUnlockFailed = errors.New("unlock failed: key does not decrypt any stored record")

const keyVerificationSamples = 3

// SessionService implements the session unlock contract: the only
// password verification is attempted decryption of stored payloads.
// On a fresh installation with nothing encrypted yet any password is
// accepted; the first persisted envelope, patient record or answer,
// pins the key from then on.
type SessionService struct {
	envelopes EnvelopeSampler
	settings  SettingsStore
	enc       crypto.EncryptionService
	sign      TokenSigner
	log       *zap.Logger
	now       func() time.Time
	idGen     func() string
	tokenTTL  time.Duration
}

func NewSessionService(envelopes EnvelopeSampler, settings SettingsStore, enc crypto.EncryptionService, sign TokenSigner, log *zap.Logger) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionService{
		envelopes: envelopes,
		settings:  settings,
		enc:       enc,
		sign:      sign,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		tokenTTL:  30 * time.Minute,
	}
}

type UnlockResult struct {
	Key          string // base64 session key, never persisted
	SessionToken string
	FreshInstall bool
}

// Unlock derives the session key from the password and verifies it
// against stored data. The master salt is created on first use so the
// same password keeps deriving the same key across sessions.
func (s *SessionService) Unlock(ctx context.Context, password string) (*UnlockResult, error) {
	if password == "" {
		return nil, NewInvalidError("password required")
	}
	salt, err := s.settings.MasterSalt(ctx)
	if err != nil {
		return nil, fmt.Errorf("load master salt: %w", err)
	}
	key, usedSalt, err := s.enc.DeriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	if salt == "" {
		if err := s.settings.SetMasterSalt(ctx, usedSalt); err != nil {
			return nil, fmt.Errorf("store master salt: %w", err)
		}
	}

	fresh, err := s.VerifyKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var token string
	if s.sign != nil {
		token, err = s.sign(s.idGen(), s.tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("sign session token: %w", err)
		}
	}
	return &UnlockResult{Key: key, SessionToken: token, FreshInstall: fresh}, nil
}

// VerifyKey samples stored payloads and attempts decryption. It
// reports fresh=true when nothing was stored yet, which makes any key
// acceptable. One successful sample decrypt accepts the key; only a
// sample set with zero successes fails the unlock.
func (s *SessionService) VerifyKey(ctx context.Context, key string) (fresh bool, err error) {
	samples, err := s.envelopes.SampleEncryptedValues(ctx, keyVerificationSamples)
	if err != nil {
		return false, fmt.Errorf("sample stored payloads: %w", err)
	}
	if len(samples) == 0 {
		s.log.Info("no encrypted records yet, accepting key unverified")
		return true, nil
	}
	for _, raw := range samples {
		env, err := crypto.DecodeEnvelope(raw)
		if err != nil {
			s.log.Warn("skipping malformed envelope during key verification", zap.Error(err))
			continue
		}
		if _, err := s.enc.Decrypt(env, key); err == nil {
			return false, nil
		}
	}
	return false, ErrUnlockFailed
}
