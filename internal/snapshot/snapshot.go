// Package snapshot defines the operator-context snapshot captured before and
// after an executed action.
//
// The shape is deliberately small and tagged — {score, risk, nba} — so the
// attribution recorder can diff two captures without caring which read-model
// produced them. Snapshots are opaque to everything except the delta math.
package snapshot

import (
	"context"
	"time"
)

// Band is the categorical health tier derived from the business score.
type Band string

const (
	BandCritical Band = "critical"
	BandWarning  Band = "warning"
	BandWatch    Band = "watch"
	BandHealthy  Band = "healthy"
)

// BandRank maps a band to its ordinal position; higher is healthier.
// Unknown bands rank below critical so a malformed band never reads as an
// improvement.
func BandRank(b Band) int {
	switch b {
	case BandCritical:
		return 1
	case BandWarning:
		return 2
	case BandWatch:
		return 3
	case BandHealthy:
		return 4
	default:
		return 0
	}
}

// CompareBands returns >0 when to is healthier than from, <0 when it is
// worse, 0 when equal (or either side is unknown).
func CompareBands(from, to Band) int {
	fr, tr := BandRank(from), BandRank(to)
	if fr == 0 || tr == 0 {
		return 0
	}
	return tr - fr
}

// ScoreContext is the latest business score and its band.
type ScoreContext struct {
	Value *float64 `json:"value,omitempty"`
	Band  Band     `json:"band,omitempty"`
}

// RiskContext is the open risk-flag census at capture time.
type RiskContext struct {
	OpenCount     int            `json:"openCount"`
	CriticalCount int            `json:"criticalCount"`
	BySeverity    map[string]int `json:"bySeverity,omitempty"`
}

// NBAContext is the queued next-best-action census at capture time.
type NBAContext struct {
	QueuedCount int            `json:"queuedCount"`
	ByPriority  map[string]int `json:"byPriority,omitempty"`
}

// ContextSnapshot is a point-in-time capture of the operator's world for one
// entity scope. Any section may be nil when the backing read-model has no
// data for the scope.
type ContextSnapshot struct {
	Score      *ScoreContext `json:"score,omitempty"`
	Risk       *RiskContext  `json:"risk,omitempty"`
	NBA        *NBAContext   `json:"nba,omitempty"`
	CapturedAt time.Time     `json:"capturedAt"`
}

// Provider captures a context snapshot for an entity scope. Empty
// entityType/entityID means the operator-wide scope.
type Provider interface {
	Capture(ctx context.Context, entityType, entityID string) (*ContextSnapshot, error)
}

// RiskCounter reports the open-flag census for a scope.
type RiskCounter interface {
	OpenRiskCounts(ctx context.Context, entityType, entityID string) (*RiskContext, error)
}

// ActionCounter reports the queued-action census for a scope.
type ActionCounter interface {
	QueuedActionCounts(ctx context.Context, entityType, entityID string) (*NBAContext, error)
}

// ScoreSource reads the latest score/band from the external scoring
// read-model. Implementations may return (nil, nil) when the scope has no
// score yet.
type ScoreSource interface {
	LatestScore(ctx context.Context, entityType, entityID string) (*ScoreContext, error)
}

// StoreProvider assembles snapshots from the same read-models the dashboard
// uses: the flag store, the action store, and the score source.
type StoreProvider struct {
	risks   RiskCounter
	actions ActionCounter
	scores  ScoreSource
	now     func() time.Time
}

// NewStoreProvider creates a provider over the given read-models. scores may
// be nil when no scoring collaborator is wired.
func NewStoreProvider(risks RiskCounter, actions ActionCounter, scores ScoreSource) *StoreProvider {
	return &StoreProvider{
		risks:   risks,
		actions: actions,
		scores:  scores,
		now:     time.Now,
	}
}

// WithClock overrides the capture timestamp source (tests).
func (p *StoreProvider) WithClock(now func() time.Time) *StoreProvider {
	p.now = now
	return p
}

// Capture implements Provider. A failure reading any single section fails
// the whole capture: a partial snapshot would poison the delta math.
func (p *StoreProvider) Capture(ctx context.Context, entityType, entityID string) (*ContextSnapshot, error) {
	snap := &ContextSnapshot{CapturedAt: p.now()}

	if p.risks != nil {
		rc, err := p.risks.OpenRiskCounts(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		snap.Risk = rc
	}

	if p.actions != nil {
		nc, err := p.actions.QueuedActionCounts(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		snap.NBA = nc
	}

	if p.scores != nil {
		sc, err := p.scores.LatestScore(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		snap.Score = sc
	}

	return snap, nil
}

var _ Provider = (*StoreProvider)(nil)
