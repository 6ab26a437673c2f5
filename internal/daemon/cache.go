package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedResult is a completed call result held for idempotent retries and
// semantic reuse.
type CachedResult struct {
	Payload   json.RawMessage
	Tool      string
	StoredAt  time.Time
	Signature string
}

// ResultCache indexes results two ways: by request id for exact retry
// dedup, and by semantic signature for cross-session reuse. Both indices
// share one TTL; eviction is handled by the expirable LRU plus its lazy
// expiry on read.
type ResultCache struct {
	byRequestID *expirable.LRU[string, CachedResult]
	bySignature *expirable.LRU[string, CachedResult]
}

// NewResultCache creates a cache where entries live for ttl and each index
// holds at most maxEntries results.
func NewResultCache(maxEntries int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		byRequestID: expirable.NewLRU[string, CachedResult](maxEntries, nil, ttl),
		bySignature: expirable.NewLRU[string, CachedResult](maxEntries, nil, ttl),
	}
}

// Store caches a result under both indices.
func (c *ResultCache) Store(requestID, signature, tool string, payload json.RawMessage) {
	entry := CachedResult{
		Payload:   payload,
		Tool:      tool,
		StoredAt:  time.Now(),
		Signature: signature,
	}
	c.byRequestID.Add(requestID, entry)
	c.bySignature.Add(signature, entry)
}

// Lookup checks the request-id index first (a retry of the same physical
// call always wins), then the semantic index.
func (c *ResultCache) Lookup(requestID, signature string) (CachedResult, bool) {
	if entry, ok := c.byRequestID.Get(requestID); ok {
		return entry, true
	}
	if entry, ok := c.bySignature.Get(signature); ok {
		return entry, true
	}
	return CachedResult{}, false
}

// Signature computes the stable semantic hash over a tool name and its
// normalized arguments. Two calls normalize identically iff their tool and
// canonicalized argument trees are equal; key order and JSON whitespace do
// not matter.
func Signature(tool string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	writeCanonical(h, args)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(h interface{ Write(p []byte) (int, error) }, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, item := range val {
			writeCanonical(h, item)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		// Type-tagged so "1" and 1 normalize differently.
		fmt.Fprintf(h, "%T:%v", val, val)
		h.Write([]byte{0})
	}
}
