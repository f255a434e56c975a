package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/drosthq/drost/internal/store"
)

// maxRawIDLen caps the raw session id length. Longer ids are replaced by a
// deterministic digest so store filenames and lock paths stay bounded.
const maxRawIDLen = 128

// NormalizeID trims a raw session id and hashes it when it exceeds the
// length cap. Hashing is deterministic: the same raw id always maps to the
// same stored id.
func NormalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) <= maxRawIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// KeyFromOrigin derives a session id from channel origin fields. Empty
// fields are skipped so "cli" alone and a fully-qualified chat thread both
// produce stable keys.
func KeyFromOrigin(o store.Origin) string {
	parts := make([]string, 0, 6)
	for _, p := range []string{o.Channel, o.WorkspaceID, o.AccountID, o.ChatID, o.UserID, o.ThreadID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return NormalizeID(strings.Join(parts, ":"))
}
