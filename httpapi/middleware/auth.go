package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyConfig controls which headers WithAPIKeyAuth inspects and what
// prefixes it strips, mirroring the teacher's header-extraction shape.
type APIKeyConfig struct {
	Headers         []string
	AllowedPrefixes []string
}

var defaultAPIKeyConfig = APIKeyConfig{
	Headers:         []string{"Authorization", "X-API-Key", "X-Api-Key"},
	AllowedPrefixes: []string{"Bearer "},
}

// ExtractAPIKeyFromRequest pulls a caller-supplied API key out of the first
// matching header, stripping a recognized prefix if present.
func ExtractAPIKeyFromRequest(r *http.Request, cfg *APIKeyConfig) (string, error) {
	if cfg == nil {
		cfg = &defaultAPIKeyConfig
	}

	for _, h := range cfg.Headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}

		for _, prefix := range cfg.AllowedPrefixes {
			if strings.HasPrefix(v, prefix) {
				v = strings.TrimPrefix(v, prefix)
				break
			}
		}

		v = strings.TrimSpace(v)
		if v != "" {
			return v, nil
		}
	}

	return "", errors.New("API key not found in any supported header")
}

// KeyStore authenticates a caller-supplied key against the configured set.
// Hashes are precomputed once at load time (see NewKeyStore); comparisons
// at request time are constant-time via bcrypt, not a bare string ==,
// since timing differences on a linear string compare leak key length and
// prefix information to a network attacker.
type KeyStore struct {
	hashes [][]byte
}

// NewKeyStore bcrypt-hashes each configured key up front so WithAPIKeyAuth
// never hashes on the request path more than once per candidate.
func NewKeyStore(keys []string) (*KeyStore, error) {
	ks := &KeyStore{hashes: make([][]byte, 0, len(keys))}

	for _, k := range keys {
		h, err := bcrypt.GenerateFromPassword([]byte(k), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}

		ks.hashes = append(ks.hashes, h)
	}

	return ks, nil
}

// Authenticate reports whether key matches any configured key.
func (ks *KeyStore) Authenticate(key string) bool {
	for _, h := range ks.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return true
		}
	}

	return false
}

// WithAPIKeyAuth gates every request behind the shared API key set in ks.
// A nil ks (auth disabled in config) is a no-op pass-through.
func WithAPIKeyAuth(ks *KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ks == nil {
			c.Next()
			return
		}

		key, err := ExtractAPIKeyFromRequest(c.Request, nil)
		if err != nil {
			AbortWithError(c, New(KindAuthentication, http.StatusUnauthorized, err.Error()))
			return
		}

		if !ks.Authenticate(key) {
			AbortWithError(c, New(KindAuthentication, http.StatusUnauthorized, "invalid API key"))
			return
		}

		c.Next()
	}
}
