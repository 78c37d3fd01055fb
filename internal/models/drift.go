package models

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a drift record.
type Category string

const (
	CategoryContentChanged      Category = "content-changed"
	CategoryPermissionChanged   Category = "permission-changed"
	CategoryCreatedUnexpectedly Category = "created-unexpectedly"
	CategoryDeletedUnexpectedly Category = "deleted-unexpectedly"
	CategoryRestored            Category = "restored-to-baseline"
	CategoryAccessDenied        Category = "access-denied"
)

// Severity is a tier on a doubling ladder: each tier is twice the one below.
type Severity uint8

const (
	SeverityInfo     Severity = 1
	SeverityLow      Severity = 2
	SeverityMedium   Severity = 4
	SeverityHigh     Severity = 8
	SeverityCritical Severity = 16
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// String returns the lower-case tier name.
func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// Escalate doubles the tier, capped at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s << 1
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a tier name.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// DriftRecord is the immutable result of classifying one change intent.
type DriftRecord struct {
	ID                 string     `json:"id"`
	Path               string     `json:"path"`
	Name               string     `json:"name,omitempty"`
	Category           Category   `json:"category"`
	Severity           Severity   `json:"severity"`
	Baseline           StateValue `json:"baseline"`
	Observed           StateValue `json:"observed"`
	BaselineGeneration int64      `json:"baseline_generation,omitempty"`
	DetectedAt         time.Time  `json:"detected_at"`
	DiffSummary        string     `json:"diff_summary,omitempty"`
	Reason             string     `json:"reason,omitempty"`
}

// DedupKey identifies records that count as the same alert.
func (r DriftRecord) DedupKey() string {
	return r.Path + "\x00" + string(r.Category) + "\x00" + r.Observed.Hash
}

// Alert is what a notifier receives: the first record of a dedup group plus
// how many identical records were merged into it.
type Alert struct {
	Record      DriftRecord `json:"record"`
	RepeatCount int         `json:"repeat_count"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
}
