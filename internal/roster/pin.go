package roster

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pinIterations = 600000
	pinSaltBytes  = 16
	pinKeyBytes   = 32
)

// HashPIN derives the stored form of a PIN:
// pbkdf2$<iterations>$<salt-hex>$<key-hex>, PBKDF2-HMAC-SHA256 with a
// per-user random salt.
func HashPIN(pin string) (string, error) {
	salt := make([]byte, pinSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(pin), salt, pinIterations, pinKeyBytes, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		pinIterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// VerifyPIN checks a candidate PIN against a stored value. Besides the
// current pbkdf2 format it accepts the three legacy storage formats
// still found in old registries: plaintext, bare MD5 hex, and bare SHA1
// hex. Returns whether the PIN matched and whether the stored value is
// in a legacy format and should be rewritten.
func VerifyPIN(stored, pin string) (ok bool, needsUpgrade bool) {
	if stored == "" {
		return false, false
	}

	if strings.HasPrefix(stored, "pbkdf2$") {
		return verifyPBKDF2(stored, pin), false
	}

	// A stored value of digest length could also be a plaintext PIN
	// that happens to be hex, so a failed digest comparison falls
	// through to the plaintext check below.
	switch len(stored) {
	case md5.Size * 2:
		if isHex(stored) {
			sum := md5.Sum([]byte(pin))
			if hmacEqual(stored, hex.EncodeToString(sum[:])) {
				return true, true
			}
		}
	case sha1.Size * 2:
		if isHex(stored) {
			sum := sha1.Sum([]byte(pin))
			if hmacEqual(stored, hex.EncodeToString(sum[:])) {
				return true, true
			}
		}
	}

	// Plaintext, the oldest format.
	return hmacEqual(stored, pin), true
}

func verifyPBKDF2(stored, pin string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(pin), salt, iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}

func hmacEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
