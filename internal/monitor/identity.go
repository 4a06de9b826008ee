// ABOUTME: Identity hashing and consistency scoring for agent behavioral drift
// ABOUTME: Hashes only stable identity attributes so score reflects drift, not call frequency

package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	// identityHistorySize is how many recent identity hashes are retained
	// per agent for consistency scoring.
	identityHistorySize = 10
	// driftThreshold: consistency below this flags identity drift.
	driftThreshold = 0.7
	// validThreshold: consistency above this marks the identity valid.
	validThreshold = 0.5
)

// IdentityCheck is the outcome of validating an agent's declared identity
// against its recent history.
type IdentityCheck struct {
	Hash          string
	Consistency   float64
	DriftDetected bool
	Valid         bool
}

// identityHash digests the stable identity attributes of an update payload.
// Volatile inputs (timestamps, counters) are deliberately excluded so that
// two updates declaring the same identity always hash equal.
func identityHash(agentID, role string, capabilities []string, workspace string) string {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)

	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(caps, ",")))
	h.Write([]byte{0})
	h.Write([]byte(workspace))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// checkIdentity scores the new hash against the agent's recent hash history.
// Consistency is the fraction of retained hashes equal to the new one; an
// empty history scores 1.0 since there is nothing to disagree with.
func checkIdentity(history []string, hash string) IdentityCheck {
	check := IdentityCheck{Hash: hash}

	if len(history) == 0 {
		check.Consistency = 1.0
		check.Valid = true
		return check
	}

	matches := 0
	for _, h := range history {
		if h == hash {
			matches++
		}
	}
	check.Consistency = float64(matches) / float64(len(history))
	check.DriftDetected = check.Consistency < driftThreshold
	check.Valid = check.Consistency > validThreshold
	return check
}

// pushHistory appends a hash, keeping only the most recent entries.
func pushHistory(history []string, hash string) []string {
	history = append(history, hash)
	if len(history) > identityHistorySize {
		history = history[len(history)-identityHistorySize:]
	}
	return history
}
