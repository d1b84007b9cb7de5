package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"

	"github.com/Sentinel-Gate/approvalgate/internal/ctxkey"
)

// ErrUnknownKey is returned when no configured key matches.
var ErrUnknownKey = errors.New("unknown API key")

const sha256Prefix = "sha256:"

// APIKey is a named admin credential. Hash is an argon2id PHC string or
// "sha256:" followed by the hex digest.
type APIKey struct {
	Name string
	Hash string
}

// KeyVerifier checks Bearer keys against configured hashes.
type KeyVerifier struct {
	keys   []APIKey
	logger *slog.Logger
}

// NewKeyVerifier validates the hash formats of keys.
func NewKeyVerifier(keys []APIKey, logger *slog.Logger) (*KeyVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, k := range keys {
		switch {
		case strings.HasPrefix(k.Hash, sha256Prefix):
			raw, err := hex.DecodeString(strings.TrimPrefix(k.Hash, sha256Prefix))
			if err != nil || len(raw) != sha256.Size {
				return nil, fmt.Errorf("admin key %q: malformed sha256 hash", k.Name)
			}
		case strings.HasPrefix(k.Hash, "$argon2id$"):
			if _, _, _, err := argon2id.DecodeHash(k.Hash); err != nil {
				return nil, fmt.Errorf("admin key %q: %w", k.Name, err)
			}
		default:
			return nil, fmt.Errorf("admin key %q: hash must be argon2id or sha256:<hex>", k.Name)
		}
	}
	return &KeyVerifier{keys: keys, logger: logger}, nil
}

// HashKey returns the argon2id hash of a cleartext key.
func HashKey(cleartext string) (string, error) {
	return argon2id.CreateHash(cleartext, argon2id.DefaultParams)
}

// Verify returns the name of the key matching cleartext.
func (v *KeyVerifier) Verify(cleartext string) (string, error) {
	for _, k := range v.keys {
		if strings.HasPrefix(k.Hash, sha256Prefix) {
			sum := sha256.Sum256([]byte(cleartext))
			want := strings.ToLower(strings.TrimPrefix(k.Hash, sha256Prefix))
			if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) == 1 {
				return k.Name, nil
			}
			continue
		}
		match, err := argon2id.ComparePasswordAndHash(cleartext, k.Hash)
		if err != nil {
			v.logger.Warn("failed to compare key hash", "key", k.Name, "error", err)
			continue
		}
		if match {
			return k.Name, nil
		}
	}
	return "", ErrUnknownKey
}

// authMiddleware requires a valid Bearer key when a KeyVerifier is set
// and records the key name as the admin identity.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	if h.keys == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="approval-gate"`)
			h.respondError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		name, err := h.keys.Verify(token)
		if err != nil {
			h.requestLogger(r).Warn("rejected admin API key", "client", clientIP(r), "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="approval-gate", error="invalid_token"`)
			h.respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxkey.AdminIdentityKey{}, "key:"+name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
