package models

import "time"

type Identity struct {
	ID   int64
	Name string
	Info string // optional free text
}

type LogonRecord struct {
	Time    time.Time
	Address string
}

// Outcome is the result of a contact mutation that can fail on expected paths
// without raising an error.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeOwnerMissing
	OutcomeTargetMissing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeOwnerMissing:
		return "owner_missing"
	case OutcomeTargetMissing:
		return "target_missing"
	default:
		return "unknown"
	}
}
