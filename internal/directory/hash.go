package directory

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/argon2"
)

// HashSecret derives an argon2id credential hash in salt:hash form.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)

	return fmt.Sprintf("%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret checks secret against a stored hash. Records written by the
// original web client carry its rolling integer hash instead of the
// salt:hash form; those still verify, and callers should rehash them on
// the next successful login.
func VerifySecret(secret, encoded string) bool {
	saltB64, hashB64, ok := strings.Cut(encoded, ":")
	if !ok {
		return legacyHash(secret) == encoded
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}

	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, expected) == 1
}

// IsLegacyHash reports whether encoded is the original client's format.
func IsLegacyHash(encoded string) bool {
	return !strings.Contains(encoded, ":")
}

// legacyHash reproduces the original client's 32-bit rolling hash,
// truncated and rendered as a decimal string. It is trivially brute
// forceable and exists only to keep old records readable. The original
// walks UTF-16 code units, so non-BMP characters hash as surrogate pairs.
func legacyHash(secret string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(secret)) {
		h = (h << 5) - h + int32(c)
	}
	return strconv.FormatInt(int64(h), 10)
}
