package invoker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/kadirpekel/orcacore/accessfilter"
)

// cacheKey computes the I5 cache key: (provider_id, tool_name, arg-hash,
// scope-hash). Arguments and RowScope are both maps with non-deterministic
// Go map iteration order, so each is marshaled through a canonical form
// (sorted keys, via encoding/json on a sorted-key wrapper) before hashing,
// so that two logically identical argument sets always hash identically.
func cacheKey(providerID, toolName string, arguments map[string]any, access accessfilter.AccessContext) string {
	argHash := canonicalHash(arguments)
	scopeHash := scopeHashOf(access)
	sum := sha256.Sum256([]byte(providerID + "\x00" + toolName + "\x00" + argHash + "\x00" + scopeHash))
	return hex.EncodeToString(sum[:])
}

// scopeHashOf hashes the parts of an AccessContext that must isolate cache
// entries from each other (spec Testable Property 5): the user identity
// and any row-scoping predicates. Roles are deliberately excluded -- two
// callers with the same user_id and row scope but different roles would
// still only ever see a tool if their role grants it, so role alone does
// not need to fragment the cache.
func scopeHashOf(access accessfilter.AccessContext) string {
	scope := map[string]any{
		"user_id":   access.UserID,
		"row_scope": access.RowScope,
	}
	return canonicalHash(scope)
}

// canonicalHash produces a stable hash of an arbitrary JSON-able value by
// recursively sorting map keys before marshaling.
func canonicalHash(v any) string {
	canon := canonicalize(v)
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyValue{Key: k, Value: canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return t
	}
}

type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
