package experiment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// BucketValue maps a seed deterministically to a uniform value in [0, 1).
// The same seed always yields the same value, so traffic percentages and
// variant weights hold in aggregate while individual decisions stay stable
// across retries and restarts.
func BucketValue(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint64(sum[:8])
	// Keep the top 53 bits so the quotient is exact and strictly below 1.
	return float64(v>>11) / float64(1<<53)
}

// assignmentSeed derives the per-test bucketing seed so that assignment
// draws are independent across tests for the same user.
func assignmentSeed(testID, userID string) string {
	return testID + ":" + userID
}

// AnonymizeID one-way hashes an identifier for audit logging. It reuses the
// bucketing hash primitive; the original value is not recoverable.
func AnonymizeID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
