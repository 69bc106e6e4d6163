// Package canon provides canonical hashing for step inputs and outputs and
// derivation of step idempotency keys. All functions are pure and
// deterministic: the same payload always produces the same hash regardless
// of map iteration order.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// HashPayload produces a SHA-256 hex digest of the canonical JSON encoding
// of payload. encoding/json writes map keys in sorted order, which makes the
// encoding canonical for the map[string]any payloads the ledger stores.
func HashPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canon: marshal payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StepIdempotencyKey derives the deterministic key for a step attempt:
// runID + ":step:" + index + ":" + inputHash. Two attempts at the same
// (run, index) with byte-identical canonical input share a key and collapse
// into one record.
func StepIdempotencyKey(runID uuid.UUID, index int, inputHash string) string {
	return runID.String() + ":step:" + strconv.Itoa(index) + ":" + inputHash
}
