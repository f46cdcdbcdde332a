// Password hashing for seeded accounts. The format is shared with the
// web tier's login verifier: hex(salt):iterations:hex(key), PBKDF2 over
// SHA-512. Changing any parameter here breaks existing logins.

package bootstrap

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
)

const (
	hashIterations = 100000
	hashKeyLen     = 64
	hashSaltLen    = 16
)

// HashPassword derives a storable hash from a plaintext password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.Validation.New("refusing to hash an empty password")
	}
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Fatal.Wrap(err)
	}
	key := pbkdf2.Key([]byte(password), salt, hashIterations, hashKeyLen, sha512.New)
	return fmt.Sprintf("%s:%d:%s",
		hex.EncodeToString(salt), hashIterations, hex.EncodeToString(key)), nil
}

// VerifyPassword checks a plaintext password against a stored hash in
// constant time. Malformed hashes verify as false, never as an error;
// a broken row must not open the account.
func VerifyPassword(stored, password string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) == 0 {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
