package domain

import "time"

// DateRange bounds transaction dates inclusively. A zero From or To leaves
// that side open.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Valid reports whether From is not after To.
func (r DateRange) Valid() bool {
	return r.From.IsZero() || r.To.IsZero() || !r.From.After(r.To)
}

// SourceQuery is the read contract against a single member's transaction
// partition: transactions tagged with GroupID, optionally restricted to a
// date range and to changes after Since (unix nanos).
type SourceQuery struct {
	GroupID string
	Range   DateRange
	// Since restricts results to tags changed strictly after this value.
	// Nil means a full query.
	Since *int64
	// IncludeTombstones also returns untagged and soft-deleted transactions,
	// flagged via SourceRecord.Tombstone. Only meaningful with Since.
	IncludeTombstones bool
	Offset            int
	Limit             int
}

// SourceRecord is one transaction returned from a member partition, tagged
// with its owner and the change timestamp of its group tag.
type SourceRecord struct {
	OwnerID     string
	Transaction Transaction
	ChangedAt   int64
	Tombstone   bool
}
