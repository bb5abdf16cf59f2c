package datahub

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the canonical identity of a request from its kind
// and parameters. Keys are lowercased and sorted, values trimmed, so two
// semantically identical requests always hash the same regardless of map
// order or stray whitespace. The digest is prefixed with the kind to keep
// log lines and cache dumps readable.
func Fingerprint(kind string, params map[string]string) string {
	normalized := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k, v := range params {
		nk := strings.ToLower(strings.TrimSpace(k))
		normalized[nk] = strings.TrimSpace(v)
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(normalized[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return kind + ":" + hex.EncodeToString(sum[:8])
}
