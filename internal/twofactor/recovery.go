package twofactor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateRecoveryCodes returns count human-readable single-use codes in the
// form xxxx-xxxx-xxxx (lowercase hex groups). Callers persist only the
// HashRecoveryCode form; the plaintext batch is shown to the user exactly once.
func GenerateRecoveryCodes(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultRecoveryCodeCount
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 6)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		encoded := hex.EncodeToString(raw)
		codes = append(codes, strings.Join([]string{encoded[0:4], encoded[4:8], encoded[8:12]}, "-"))
	}

	return codes, nil
}
