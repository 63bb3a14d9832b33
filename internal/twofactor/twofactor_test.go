package twofactor

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService("socialnet", testKey)
	require.NoError(t, err)
	return service
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    Period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestGenerateKey(t *testing.T) {
	service := newTestService(t)

	enrollment, err := service.GenerateKey("owner@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, enrollment.ProvisioningURI, "issuer=socialnet")
	assert.Contains(t, enrollment.ProvisioningURI, enrollment.Secret)
}

func TestVerifyCodeSkewWindow(t *testing.T) {
	service := newTestService(t)
	enrollment, err := service.GenerateKey("owner@example.com")
	require.NoError(t, err)

	// Mid-step timestamp so +-30s stays within adjacent steps.
	at := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	code := codeAt(t, enrollment.Secret, at)

	assert.True(t, service.VerifyCode(code, enrollment.Secret, at))
	assert.True(t, service.VerifyCode(code, enrollment.Secret, at.Add(30*time.Second)))
	assert.True(t, service.VerifyCode(code, enrollment.Secret, at.Add(-30*time.Second)))
	assert.False(t, service.VerifyCode(code, enrollment.Secret, at.Add(90*time.Second)))
	assert.False(t, service.VerifyCode(code, enrollment.Secret, at.Add(-90*time.Second)))
}

func TestVerifyCodeRejectsGarbage(t *testing.T) {
	service := newTestService(t)
	enrollment, err := service.GenerateKey("owner@example.com")
	require.NoError(t, err)

	at := time.Now()
	assert.False(t, service.VerifyCode("", enrollment.Secret, at))
	assert.False(t, service.VerifyCode("00000a", enrollment.Secret, at))
	assert.False(t, service.VerifyCode("123", enrollment.Secret, at))
}

func TestSecretEncryptionRoundTrip(t *testing.T) {
	service := newTestService(t)

	ciphertext, err := service.EncryptSecret("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "JBSWY3DPEHPK3PXP")

	plaintext, err := service.DecryptSecret(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plaintext)

	again, err := service.EncryptSecret("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again, "fresh nonce per encryption")
}

func TestSecretDecryptionDetectsTampering(t *testing.T) {
	service := newTestService(t)

	ciphertext, err := service.EncryptSecret("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	if tampered[len(tampered)-1] == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}

	_, err = service.DecryptSecret(string(tampered))
	assert.Error(t, err)

	_, err = service.DecryptSecret("not-hex")
	assert.Error(t, err)
}

func TestNewServiceRejectsBadKey(t *testing.T) {
	_, err := NewService("socialnet", "too-short")
	assert.Error(t, err)
}

func TestGenerateRecoveryCodes(t *testing.T) {
	codes, err := GenerateRecoveryCodes(0)
	require.NoError(t, err)
	require.Len(t, codes, DefaultRecoveryCodeCount)

	format := regexp.MustCompile(`^[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}$`)
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		assert.Regexp(t, format, code)
		seen[code] = struct{}{}
		assert.Len(t, HashRecoveryCode(code), 64)
		assert.NotEqual(t, code, HashRecoveryCode(code))
	}
	assert.Len(t, seen, len(codes), "codes are unique")
}
