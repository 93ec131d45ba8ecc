/**
 * @description
 * HTTP middleware for the settlement-service: Clerk JWT validation for organizer
 * and contributor routes, internal API key checks for server-to-server calls, and
 * a Redis-backed rate limit for the public receipt page.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and signature verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const clerkUserIDKey UserIDContextKey = "clerkUserID"

// ClerkAuthMiddleware validates Clerk session JWTs and stores the subject in
// the request context. Signing keys are cached and refetched on an unknown kid.
func ClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	keys := newJWKSCache(jwksURL, jwksCacheTTL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			switch {
			case r.Header.Get("Authorization") == "":
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			case !found || strings.TrimSpace(bearer) == "":
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			})
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			subject, err := checkSessionClaims(claims, os.Getenv("CLERK_AUDIENCE"), os.Getenv("CLERK_ISSUER"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clerkUserIDKey, subject)))
		})
	}
}

// checkSessionClaims enforces the optional audience and issuer and returns the subject.
func checkSessionClaims(claims jwt.MapClaims, audience, issuer string) (string, error) {
	if audience != "" {
		if aud, _ := claims["aud"].(string); aud != audience {
			return "", errors.New("invalid audience")
		}
	}
	if issuer != "" {
		if iss, _ := claims["iss"].(string); iss != issuer {
			return "", errors.New("invalid issuer")
		}
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", errors.New("user ID not found in token")
	}
	return subject, nil
}

// InternalAuthMiddleware validates optional internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter counts hits for a subject inside a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitMiddleware limits requests per client IP. A nil limiter or a
// non-positive limit disables it. Limiter errors let the request through.
func RateLimitMiddleware(limiter RateLimiter, scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, clientIP, limit, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const jwksCacheTTL = 10 * time.Minute

// jwksCache holds the RSA signing keys published at a JWKS endpoint.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// key returns the key for kid, refreshing the set when it is stale or the kid
// is unknown (rotation).
func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return k, nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	k, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return k, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var document struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&document); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, jwk := range document.Keys {
		if jwk.Kty != "" && jwk.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(jwk.N, jwk.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", jwk.Kid, err)
			continue
		}
		keys[jwk.Kid] = pub
	}
	return keys, nil
}

// rsaKeyFromJWK decodes the base64url modulus and exponent of an RSA JWK.
func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(new(big.Int).SetBytes(exponent).Int64()),
	}, nil
}

// GetClerkUserID retrieves the Clerk User ID from the request context.
func GetClerkUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(clerkUserIDKey).(string)
	return userID, ok
}
