// Package authgate is the http.Handler middleware boundary for the
// management/proxy API key check: X-API-Key header check, exempt-path
// matching by prefix, hash-then-constant-time-compare instead of a
// plaintext key set, JSON error body, and role scoping (admin vs
// api-only) attached to the request context via internal/ctxkeys.
package authgate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/ctxkeys"
	"github.com/kaelmora/relaygate/internal/store"
)

// alwaysExemptPrefixes are never gated regardless of config.
var alwaysExemptPrefixes = []string{
	"/health",
	"/healthz",
	"/api/oauth/",
	"/api/setup/first-key",
}

// HashKey returns the stored representation of a plaintext API key.
// Hashing (rather than storing plaintext) means a DB leak alone does
// not hand out working keys.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Gate authenticates inbound requests against the stored API key set.
type Gate struct {
	store       *store.Store
	logger      *zap.Logger
	exemptExtra []string
}

func New(st *store.Store, exemptExtra []string, logger *zap.Logger) *Gate {
	return &Gate{store: st, logger: logger.With(zap.String("component", "authgate")), exemptExtra: exemptExtra}
}

func (g *Gate) isExempt(path string) bool {
	for _, p := range alwaysExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, p := range g.exemptExtra {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware enforces the key check, attaching {apiKeyId, role} to
// the request context on success.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if g.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		count, err := g.store.APIKeys.CountActive(ctx)
		if err != nil {
			g.logger.Error("failed to count active api keys", zap.Error(err))
			writeUnauthorized(w, "internal error checking authentication state")
			return
		}
		if count == 0 {
			// No keys configured yet: the gate is only enforced once at
			// least one active API key exists. Initial-key creation stays
			// reachable via the always-exempt prefix above.
			next.ServeHTTP(w, r)
			return
		}

		plaintext := extractKey(r)
		if plaintext == "" {
			writeUnauthorized(w, "missing API key")
			return
		}

		key, ok, err := g.authenticate(ctx, plaintext)
		if err != nil {
			g.logger.Error("auth lookup failed", zap.Error(err))
			writeUnauthorized(w, "internal error checking authentication state")
			return
		}
		if !ok {
			writeUnauthorized(w, "invalid API key")
			return
		}

		if !roleAllows(key.Role, r.URL.Path) {
			writeForbidden(w, "role does not permit this endpoint")
			return
		}

		ctx = ctxkeys.WithAPIKeyID(ctx, key.ID)
		ctx = ctxkeys.WithRole(ctx, key.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// authenticate hashes plaintext and compares it against every active
// key's stored hash in constant time, updating last_used/usage_count
// on the match.
func (g *Gate) authenticate(ctx context.Context, plaintext string) (*store.APIKey, bool, error) {
	hashed := HashKey(plaintext)
	keys, err := g.store.APIKeys.ListActive(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range keys {
		if subtle.ConstantTimeCompare([]byte(hashed), []byte(keys[i].HashedKey)) == 1 {
			if err := g.store.APIKeys.RecordUse(ctx, keys[i].ID); err != nil {
				g.logger.Warn("failed to record api key use", zap.String("key_id", keys[i].ID), zap.Error(err))
			}
			return &keys[i], true, nil
		}
	}
	return nil, false, nil
}

// roleAllows scopes by role: admin reaches every endpoint; api-only is
// confined to the proxy surface.
func roleAllows(role, path string) bool {
	if role == "admin" {
		return true
	}
	return strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/messages/")
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"error":"forbidden","message":%q}`, message)
}
