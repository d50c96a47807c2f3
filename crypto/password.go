package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// NewSalt generates a random per-user salt, base64 encoded.
func NewSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", &CryptoError{Op: "generate salt", Err: err}
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// HashPassword derives an argon2id digest of password with the given base64
// salt, returned base64 encoded. Raw digest bytes are never reinterpreted as
// text.
func HashPassword(password, salt string) (string, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", &CryptoError{Op: "decode salt", Err: err}
	}
	digest := argon2.IDKey([]byte(password), rawSalt, 1, 64*1024, 4, 32)
	return base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyPassword reports whether password matches the stored digest.
func VerifyPassword(password, salt, hash string) bool {
	computed, err := HashPassword(password, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// NewToken generates a random opaque token (session or email verification).
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", &CryptoError{Op: "generate token", Err: err}
	}
	return fmt.Sprintf("%x", b), nil
}
