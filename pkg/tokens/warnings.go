package tokens

import (
	"sync"
	"time"
)

// WarningSeverity grades how close a user is to their token limit.
type WarningSeverity string

const (
	SeverityInfo     WarningSeverity = "info"
	SeverityWarning  WarningSeverity = "warning"
	SeverityCritical WarningSeverity = "critical"
)

// TokenWarning records that a user's accumulated usage crossed a
// configured fraction of their limit.
type TokenWarning struct {
	UserID          string          `json:"user_id"`
	UsedTokens      int             `json:"used_tokens"`
	LimitTokens     int             `json:"limit_tokens"`
	Fraction        float64         `json:"fraction"`
	Severity        WarningSeverity `json:"severity"`
	SuggestedAction string          `json:"suggested_action"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Threshold pairs a usage fraction with the warning it triggers.
type Threshold struct {
	Fraction        float64
	Severity        WarningSeverity
	SuggestedAction string
}

// DefaultThresholds are applied when the settings specify none.
var DefaultThresholds = []Threshold{
	{Fraction: 0.5, Severity: SeverityInfo, SuggestedAction: "monitor usage"},
	{Fraction: 0.8, Severity: SeverityWarning, SuggestedAction: "consider summarizing sessions or reducing context"},
	{Fraction: 0.95, Severity: SeverityCritical, SuggestedAction: "usage nearly exhausted; requests may be rejected"},
}

// UsageMonitor accumulates per-user token usage and emits a TokenWarning
// the first time each threshold is crossed.
type UsageMonitor struct {
	mu         sync.Mutex
	limit      int
	thresholds []Threshold
	used       map[string]int
	emitted    map[string]int // highest threshold index emitted per user
}

// NewUsageMonitor creates a monitor with a per-user token limit. A zero or
// negative limit disables warnings. Thresholds must be sorted ascending;
// nil selects DefaultThresholds.
func NewUsageMonitor(limit int, thresholds []Threshold) *UsageMonitor {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	return &UsageMonitor{
		limit:      limit,
		thresholds: thresholds,
		used:       make(map[string]int),
		emitted:    make(map[string]int),
	}
}

// Record adds usage for a user and returns a warning when a new threshold
// is crossed, nil otherwise.
func (m *UsageMonitor) Record(userID string, tokensUsed int) *TokenWarning {
	if m.limit <= 0 || tokensUsed <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.used[userID] += tokensUsed
	used := m.used[userID]
	fraction := float64(used) / float64(m.limit)

	crossed := -1
	for i, th := range m.thresholds {
		if fraction >= th.Fraction {
			crossed = i
		}
	}
	if crossed < 0 {
		return nil
	}

	prev, seen := m.emitted[userID]
	if seen && crossed <= prev {
		return nil
	}
	m.emitted[userID] = crossed

	th := m.thresholds[crossed]
	return &TokenWarning{
		UserID:          userID,
		UsedTokens:      used,
		LimitTokens:     m.limit,
		Fraction:        th.Fraction,
		Severity:        th.Severity,
		SuggestedAction: th.SuggestedAction,
		CreatedAt:       time.Now(),
	}
}

// Used returns the accumulated usage for a user.
func (m *UsageMonitor) Used(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[userID]
}

// Reset clears accumulated usage and emitted warnings for a user.
func (m *UsageMonitor) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, userID)
	delete(m.emitted, userID)
}
