// Package auth validates session tokens presented during the connection
// handshake and resolves them to tenants.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/arbiter-dev/arbiterd/internal/tenant"
)

// Authenticator validates session tokens and maps them to tenants.
type Authenticator struct {
	tenants map[string]*tenant.Tenant // token hash -> tenant
}

// NewAuthenticator builds the hash -> tenant index.
func NewAuthenticator(tenants []*tenant.Tenant) *Authenticator {
	a := &Authenticator{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range tenants {
		for _, h := range t.TokenHashes {
			a.tenants[h] = t
		}
	}
	return a
}

// ValidateToken checks a session token and returns its tenant. The error
// never echoes token material or expected hashes.
func (a *Authenticator) ValidateToken(token string) (*tenant.Tenant, error) {
	if token == "" {
		return nil, fmt.Errorf("missing session token")
	}

	hash := HashToken(token)
	t, ok := a.tenants[hash]
	if !ok {
		return nil, fmt.Errorf("invalid session token")
	}

	// Constant-time confirmation against the tenant's own hashes to
	// avoid timing differences between near-miss and full-miss.
	for _, th := range t.TokenHashes {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(th)) == 1 {
			return t, nil
		}
	}

	return nil, fmt.Errorf("invalid session token")
}

// HashToken creates the SHA-256 hex digest used for token storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
