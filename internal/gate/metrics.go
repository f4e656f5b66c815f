package gate

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of gate counters.
type Snapshot struct {
	TotalReviews       int64      `json:"total_reviews"`
	Passed             int64      `json:"passed"`
	Failed             int64      `json:"failed"`
	PassRate           float64    `json:"pass_rate"`
	QuestionsGenerated int64      `json:"questions_generated"`
	AnswersGraded      int64      `json:"answers_graded"`
	RateLimitDeferrals int64      `json:"rate_limit_deferrals"`
	LastReviewAt       *time.Time `json:"last_review_at,omitempty"`
}

// Metrics tracks in-process gate counters. Counters advance only on
// fresh transitions, so replayed deliveries never double-count.
type Metrics struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordOutcome counts a generation reaching a terminal verdict.
func (m *Metrics) RecordOutcome(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.TotalReviews++
	if passed {
		m.snap.Passed++
	} else {
		m.snap.Failed++
	}
	now := time.Now().UTC()
	m.snap.LastReviewAt = &now
}

// RecordQuestions counts one question-generation round.
func (m *Metrics) RecordQuestions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.QuestionsGenerated++
}

// RecordGrading counts one completed grading round.
func (m *Metrics) RecordGrading() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.AnswersGraded++
}

// RecordDeferral counts one rate-limit wait.
func (m *Metrics) RecordDeferral() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RateLimitDeferrals++
}

// Snapshot returns the current counters. PassRate is derived here so
// the counters themselves stay append-only.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	if snap.TotalReviews > 0 {
		snap.PassRate = float64(snap.Passed) / float64(snap.TotalReviews)
	}
	return snap
}
