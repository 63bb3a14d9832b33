package twofactor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period and Skew bound the replay window: a code is accepted for its own
	// 30-second step plus one step either side, roughly 90 seconds total.
	Period = 30
	Skew   = 1

	DefaultRecoveryCodeCount = 8
)

// Service owns the TOTP secret lifecycle: generation, authenticated
// encryption at rest, code verification, and recovery codes.
type Service struct {
	issuer string
	cipher *secretCipher
}

// Enrollment is handed to the client once, at enrollment time. The URI is
// rendered externally as a scannable code; the secret is never persisted in
// this form.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

func NewService(issuer string, encryptionKey string) (*Service, error) {
	if issuer == "" {
		return nil, errors.New("totp issuer is required")
	}
	cipher, err := newSecretCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Service{issuer: issuer, cipher: cipher}, nil
}

// GenerateKey creates a fresh base32 secret and its otpauth:// provisioning
// URI labelled with the account email.
func (s *Service) GenerateKey(accountEmail string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountEmail,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp key: %w", err)
	}

	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.String(),
	}, nil
}

// VerifyCode reports whether the submitted code matches the secret at the
// given time, allowing one time step of clock drift either way.
func (s *Service) VerifyCode(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// EncryptSecret seals the plaintext secret for storage.
func (s *Service) EncryptSecret(secret string) (string, error) {
	return s.cipher.encrypt(secret)
}

// DecryptSecret opens a stored ciphertext. Tampered ciphertexts fail.
func (s *Service) DecryptSecret(ciphertext string) (string, error) {
	return s.cipher.decrypt(ciphertext)
}

// HashRecoveryCode is the one-way form under which recovery codes are
// persisted and matched.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
