package conf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const passwordHashIterations = 210000

// HashPassword derives a pbkdf2_sha256$<iters>$<salt>$<hex> encoded hash.
func HashPassword(password string) string {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	return hashPasswordWith(password, hex.EncodeToString(salt), passwordHashIterations)
}

func hashPasswordWith(password, salt string, iterations int) string {
	digest := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s", iterations, salt, hex.EncodeToString(digest))
}

// VerifyPassword checks a plaintext password against an encoded hash using
// a constant-time comparison.
func VerifyPassword(password, encodedHash string) bool {
	if encodedHash == "" {
		return false
	}
	parts := strings.SplitN(encodedHash, "$", 4)
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	computed := hashPasswordWith(password, parts[2], iterations)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(encodedHash)) == 1
}

// ConstantTimeEquals compares two strings without leaking length-prefix
// timing. Used for the auth username check.
func ConstantTimeEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// sensitiveQueryKeys are query parameters whose values are redacted from
// stream URLs before publication.
var sensitiveQueryKeys = map[string]bool{
	"password":      true,
	"pass":          true,
	"passwd":        true,
	"pwd":           true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"auth":          true,
	"authorization": true,
}

// SafeStreamURL strips userinfo and redacts credential-looking query values
// so the stream URL can be shown on the dashboard. Applying it twice equals
// applying it once.
func SafeStreamURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.User = nil

	if parsed.RawQuery != "" {
		values, err := url.ParseQuery(parsed.RawQuery)
		if err == nil {
			redacted := url.Values{}
			for key, list := range values {
				if isSensitiveQueryKey(key) {
					for range list {
						redacted.Add(key, "REDACTED")
					}
					continue
				}
				for _, value := range list {
					redacted.Add(key, value)
				}
			}
			parsed.RawQuery = redacted.Encode()
		}
	}
	return parsed.String()
}

func isSensitiveQueryKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if sensitiveQueryKeys[lower] {
		return true
	}
	return strings.Contains(lower, "password") ||
		strings.HasSuffix(lower, "_token") ||
		strings.HasSuffix(lower, "_key")
}
