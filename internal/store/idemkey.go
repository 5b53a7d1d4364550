package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdemKey derives the deterministic idempotency key for one intended send:
// the SHA-256 of the canonical encoding of (sequenceId, leadId, stepNumber,
// attempt, suffix), truncated to 32 hex chars. The unique constraint on
// Outbox."idemKey" makes scheduler retries safe and turns the outbox into a
// log of intended sends.
func IdemKey(sequenceID, leadID string, stepNumber, attempt int, suffix string) string {
	canonical := fmt.Sprintf("%s:%s:%d:%d:%s", sequenceID, leadID, stepNumber, attempt, suffix)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:32]
}
