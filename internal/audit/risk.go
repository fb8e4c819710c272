package audit

import (
	"strings"
	"sync"
)

// RiskConfig injects the scoring tables. The scorer only defines the
// contract: base score by event type plus bounded modifiers; the keyword
// and rule lists come from deployment configuration.
type RiskConfig struct {
	// BaseScores keys event types to their starting score.
	BaseScores map[EventType]int

	// DefaultScore applies to event types missing from BaseScores.
	DefaultScore int

	// SensitiveKeywords add +30 when found in the event's content.
	SensitiveKeywords []string

	// HighRiskKeywords add +25, MediumRiskKeywords +15. High wins when
	// both match.
	HighRiskKeywords   []string
	MediumRiskKeywords []string

	// ComplianceKeywords flag content for compliance review and add +20.
	ComplianceKeywords []string

	// BulkMarkers add +15, catching mass-access patterns.
	BulkMarkers []string

	// RepeatedFailureThreshold is the per-user failure count after which
	// +20 applies. Zero disables the modifier.
	RepeatedFailureThreshold int
}

// DefaultRiskConfig returns the stock scoring tables.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		BaseScores: map[EventType]int{
			EventSessionStart:        10,
			EventDocumentUpload:      30,
			EventDocumentProcessing:  20,
			EventDocumentAccess:      25,
			EventRAGQuery:            20,
			EventRAGSearch:           15,
			EventAgentMessage:        15,
			EventSensitiveDataAccess: 50,
			EventRiskAssessment:      40,
			EventProductQuery:        30,
			EventComplianceCheck:     35,
			EventSystemError:         60,
			EventAuthentication:      25,
		},
		DefaultScore: 15,
		SensitiveKeywords: []string{
			"password", "secret", "api key", "credential", "ssn", "credit card",
		},
		HighRiskKeywords: []string{
			"delete all", "drop table", "exfiltrate", "bypass",
		},
		MediumRiskKeywords: []string{
			"export", "download all", "bulk",
		},
		ComplianceKeywords: []string{
			"gdpr", "hipaa", "pii", "sox",
		},
		BulkMarkers:              []string{"bulk", "batch", "mass"},
		RepeatedFailureThreshold: 3,
	}
}

// Scorer assigns risk scores and compliance flags. It tracks per-user
// failure streaks for the repeated-failure modifier.
type Scorer struct {
	cfg *RiskConfig

	mu       sync.Mutex
	failures map[string]int
}

// NewScorer builds a scorer; nil cfg selects the defaults.
func NewScorer(cfg *RiskConfig) *Scorer {
	if cfg == nil {
		cfg = DefaultRiskConfig()
	}
	return &Scorer{cfg: cfg, failures: map[string]int{}}
}

// Score fills in the event's risk score and compliance flags. The score is
// deterministic for a given event and failure history, capped at 100.
func (s *Scorer) Score(ev *Event) {
	score, ok := s.cfg.BaseScores[ev.Type]
	if !ok {
		score = s.cfg.DefaultScore
	}

	content := s.content(ev)

	if containsAny(content, s.cfg.SensitiveKeywords) {
		score += 30
		ev.ComplianceFlags = appendFlag(ev.ComplianceFlags, "sensitive_data")
	}
	switch {
	case containsAny(content, s.cfg.HighRiskKeywords):
		score += 25
		ev.ComplianceFlags = appendFlag(ev.ComplianceFlags, "high_risk_content")
	case containsAny(content, s.cfg.MediumRiskKeywords):
		score += 15
	}
	if containsAny(content, s.cfg.ComplianceKeywords) {
		score += 20
		ev.ComplianceFlags = appendFlag(ev.ComplianceFlags, "compliance_review")
	}
	if containsAny(content, s.cfg.BulkMarkers) {
		score += 15
	}

	if !ev.Success {
		score += 25
		if s.repeatedFailure(ev.UserID) {
			score += 20
			ev.ComplianceFlags = appendFlag(ev.ComplianceFlags, "repeated_failure")
		}
	} else {
		s.resetFailures(ev.UserID)
	}

	if score > 100 {
		score = 100
	}
	ev.RiskScore = score
}

// content joins the scannable text of an event.
func (s *Scorer) content(ev *Event) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(ev.Action))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(ev.Resource))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(ev.DataContent))
	for _, v := range ev.Details {
		if str, ok := v.(string); ok {
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(str))
		}
	}
	return b.String()
}

// repeatedFailure bumps the user's failure streak and reports whether it
// crossed the threshold.
func (s *Scorer) repeatedFailure(userID string) bool {
	if s.cfg.RepeatedFailureThreshold <= 0 || userID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[userID]++
	return s.failures[userID] >= s.cfg.RepeatedFailureThreshold
}

func (s *Scorer) resetFailures(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	delete(s.failures, userID)
	s.mu.Unlock()
}

func containsAny(content string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(content, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func appendFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
