package audit

import (
	"fmt"

	"pmwflow/internal/store"
)

// Report is the result of walking one chain.
type Report struct {
	RunID  int64  `json:"run_id"`
	Events int    `json:"events"`
	Valid  bool   `json:"valid"`
	Broken int    `json:"broken_index"`
	Reason string `json:"reason,omitempty"`
}

// Verify recomputes every payload hash and checks every link of events,
// which must be in insertion order. Broken is the first failing index, or -1.
func Verify(events []*store.VaultEvent) Report {
	report := Report{Events: len(events), Valid: true, Broken: -1}
	previous := GenesisHash
	for i, event := range events {
		if event == nil {
			return report.fail(i, "missing event")
		}
		if event.PreviousHash != previous {
			return report.fail(i, fmt.Sprintf("previous_hash %s does not match %s", short(event.PreviousHash), short(previous)))
		}
		canonical, err := CanonicalizeText(event.Payload)
		if err != nil {
			return report.fail(i, "payload is not valid JSON")
		}
		if got := Hash(canonical); got != event.PayloadHash {
			return report.fail(i, fmt.Sprintf("payload hash %s does not match stored %s", short(got), short(event.PayloadHash)))
		}
		previous = event.PayloadHash
	}
	return report
}

func (r Report) fail(index int, reason string) Report {
	r.Valid = false
	r.Broken = index
	r.Reason = reason
	return r
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
