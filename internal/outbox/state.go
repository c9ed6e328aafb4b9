package outbox

import (
	"crypto/sha256"
	"fmt"
)

// GenerateIdempotencyKey derives a stable per-order key from the plan ID, so
// replaying the same plan yields the same keys downstream.
func GenerateIdempotencyKey(planID, symbol, action string) string {
	data := fmt.Sprintf("%s-%s-%s", planID, symbol, action)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}

func GenerateOrderID(planID string, seq int) string {
	return fmt.Sprintf("%s_o%02d", planID, seq)
}
