// Package secrets seals secret deployment variables with age encryption.
// The API server holds the public key and seals secret-flagged template
// variables before they are persisted; only the install worker holds the
// private key and can unseal them.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for sealing")
	// ErrNoPrivateKey is returned when no private key is configured for unsealing.
	ErrNoPrivateKey = errors.New("no private key configured for unsealing")
	// ErrSealFailed is returned when sealing fails.
	ErrSealFailed = errors.New("sealing failed")
	// ErrOpenFailed is returned when unsealing fails.
	ErrOpenFailed = errors.New("unsealing failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Service provides age encryption for secret values. Ciphertext is ASCII
// armored so it can be stored in text and JSONB columns as-is.
type Service struct {
	recipient *age.X25519Recipient // sealing (API server)
	identity  *age.X25519Identity  // unsealing (worker only)
	logger    *slog.Logger
}

// Config holds the key material for the service.
type Config struct {
	// AgePublicKey is the age recipient for sealing. Format: age1...
	AgePublicKey string
	// AgePrivateKey is the age identity for unsealing. Format: AGE-SECRET-KEY-1...
	AgePrivateKey string
}

// NewService creates a secrets service. At least one of the keys must be
// provided for the service to be useful; a service with neither rejects
// every operation.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		svc.recipient = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		svc.identity = identity
	}

	return svc, nil
}

// Seal encrypts plaintext with the configured public key and returns the
// armored ciphertext.
func (s *Service) Seal(plaintext []byte) (string, error) {
	if s.recipient == nil {
		return "", ErrNoPublicKey
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	return buf.String(), nil
}

// Open decrypts armored ciphertext with the configured private key.
func (s *Service) Open(sealed string) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoPrivateKey
	}

	ar := armor.NewReader(bytes.NewReader([]byte(sealed)))
	r, err := age.Decrypt(ar, s.identity)
	if err != nil {
		s.logger.Error("failed to create age decryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	return plaintext, nil
}

// SealString seals a string value.
func (s *Service) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

// OpenString unseals to a string value.
func (s *Service) OpenString(sealed string) (string, error) {
	plaintext, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// CanSeal reports whether the service is configured for sealing.
func (s *Service) CanSeal() bool {
	return s.recipient != nil
}

// CanOpen reports whether the service is configured for unsealing.
func (s *Service) CanOpen() bool {
	return s.identity != nil
}

// PublicKey returns the configured public key string, or empty if not configured.
func (s *Service) PublicKey() string {
	if s.recipient == nil {
		return ""
	}
	return s.recipient.String()
}

// GenerateKeyPair generates a new age key pair.
// Returns the public key (for sealing) and private key (for unsealing).
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
