package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/querymesh/querymesh/internal/datasource"
)

// NormalizeText lowercases and collapses whitespace so that trivially
// reworded requests share a fingerprint.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// QueryFingerprint identifies an entry in the generated-query cache
// namespace: backend subtype + normalized request text + schema version.
func QueryFingerprint(subtype datasource.Subtype, request string, schemaVersion int64) string {
	return fingerprint("q", string(subtype), NormalizeText(request), fmt.Sprintf("%d", schemaVersion))
}

// ResultFingerprint identifies an entry in the execution-result cache
// namespace; it additionally binds the connection identity so results from
// different databases never collide.
func ResultFingerprint(subtype datasource.Subtype, queryText string, schemaVersion int64, connIdentity string) string {
	return fingerprint("r", string(subtype), NormalizeText(queryText), fmt.Sprintf("%d", schemaVersion), connIdentity)
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
