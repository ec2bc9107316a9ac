// Package hashchain implements the append-only hash chain underneath the
// chain-of-custody audit log. Each link commits to its predecessor's hash,
// the event type, a canonical payload encoding, and the event timestamp, so
// any mutation, reordering, or deletion breaks verification from that link
// onward.
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"
)

// Genesis is the prev_hash of the first event in every chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Compute returns the hex SHA-256 link hash for one event. Fields are
// length-delimited before hashing so no two field combinations can collide
// by concatenation. Timestamps enter as UTC unix nanoseconds.
func Compute(prevHash, eventType string, payload []byte, eventTime time.Time) string {
	h := sha256.New()
	writeField(h, []byte(prevHash))
	writeField(h, []byte(eventType))
	writeField(h, payload)
	writeField(h, []byte(strconv.FormatInt(eventTime.UTC().UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Link is the minimal view of an event needed to verify a chain.
type Link struct {
	EventType string
	Payload   []byte
	EventTime time.Time
	PrevHash  string
	CurrHash  string
}

// VerifyResult reports the outcome of chain verification.
type VerifyResult struct {
	OK       bool
	Events   int
	HeadHash string
	// BadIndex is the zero-based index of the first event whose stored
	// hashes do not match recomputation. -1 when OK.
	BadIndex int
	Reason   string
}

// Verify recomputes every link hash from the genesis sentinel forward.
// Events must be in chain order. It fails at the first event whose
// prev_hash does not match the running hash or whose curr_hash does not
// match recomputation over its own fields.
func Verify(events []Link) VerifyResult {
	prev := Genesis
	for i, ev := range events {
		if ev.PrevHash != prev {
			return VerifyResult{Events: len(events), BadIndex: i, Reason: "prev_hash mismatch"}
		}
		want := Compute(prev, ev.EventType, ev.Payload, ev.EventTime)
		if ev.CurrHash != want {
			return VerifyResult{Events: len(events), BadIndex: i, Reason: "curr_hash mismatch"}
		}
		prev = ev.CurrHash
	}
	return VerifyResult{OK: true, Events: len(events), HeadHash: prev, BadIndex: -1}
}
