// Package rules holds the declarative rule registry and the engine that
// turns a business snapshot into risk flags and next-best-actions.
//
// Rules are pure functions over a read-only Input; evaluating the same
// input twice yields identical candidates, which is what makes the
// upsert-based persistence safe to re-run.
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/snapshot"
)

// Kind of candidate a rule emits.
type Kind string

const (
	KindFlag   Kind = "flag"
	KindAction Kind = "action"
)

// Candidate is one rule finding, either a risk flag or a next-best-action.
// Severity applies to flags, Priority and Score to actions.
type Candidate struct {
	Kind       Kind
	Key        string
	DedupeKey  string
	Title      string
	Reason     string
	Severity   flags.Severity
	Priority   actions.Priority
	Score      float64
	SourceType string
	SourceID   string
	EntityType string
	EntityID   string
}

// ClientState is the read-model view of one client the rules evaluate.
type ClientState struct {
	ID               string
	Name             string
	Score            *float64
	Band             snapshot.Band
	PreviousBand     snapshot.Band
	FlywheelStage    string
	StageEnteredAt   *time.Time
	LastTouchpointAt *time.Time
}

// LeadState is the read-model view of one open lead.
type LeadState struct {
	ID            string
	Name          string
	LastInboundAt *time.Time
	LastReplyAt   *time.Time
}

// ProposalState is the read-model view of one outstanding proposal.
type ProposalState struct {
	ID             string
	ClientID       string
	ClientName     string
	SentAt         time.Time
	LastFollowUpAt *time.Time
}

// DeliveryState is the read-model view of one in-flight delivery.
type DeliveryState struct {
	ID           string
	ClientID     string
	ClientName   string
	BlockedSince *time.Time
	BlockReason  string
}

// Input is the frozen snapshot one rule run evaluates. Rules never perform
// I/O; everything they need is here.
type Input struct {
	Now        time.Time
	Clients    []ClientState
	Leads      []LeadState
	Proposals  []ProposalState
	Deliveries []DeliveryState
}

// Rule maps an input snapshot to zero or more candidates.
type Rule struct {
	Key      string
	Evaluate func(in *Input) []Candidate
}

// Registry is the fixed set of rules known to the engine. Adding a rule
// means adding a registry entry, not touching a dispatcher.
type Registry struct {
	rules map[string]Rule
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule. Duplicate keys are a programmer error.
func (r *Registry) Register(rule Rule) error {
	if _, exists := r.rules[rule.Key]; exists {
		return fmt.Errorf("rules: duplicate rule key %q", rule.Key)
	}
	r.rules[rule.Key] = rule
	r.order = append(r.order, rule.Key)
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Keys returns registered rule keys in registration order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up a rule by key.
func (r *Registry) Get(key string) (Rule, bool) {
	rule, ok := r.rules[key]
	return rule, ok
}

// EvaluateAll runs every registered rule against in, in registration order.
// Candidate order within a rule is whatever the rule emitted; candidates
// are further sorted by dedupe key within each rule so output is stable
// regardless of input slice ordering quirks.
func (r *Registry) EvaluateAll(in *Input) []Candidate {
	var out []Candidate
	for _, key := range r.order {
		found := r.rules[key].Evaluate(in)
		sort.SliceStable(found, func(i, j int) bool { return found[i].DedupeKey < found[j].DedupeKey })
		out = append(out, found...)
	}
	return out
}

// DefaultRegistry builds the production rule set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Rule{Key: RuleScoreInCriticalBand, Evaluate: evalScoreInCriticalBand})
	r.MustRegister(Rule{Key: RuleScoreBandRegression, Evaluate: evalScoreBandRegression})
	r.MustRegister(Rule{Key: RuleRetentionOverdue, Evaluate: evalRetentionOverdue})
	r.MustRegister(Rule{Key: RuleFlywheelStageStall, Evaluate: evalFlywheelStageStall})
	r.MustRegister(Rule{Key: RuleLeadReplyOverdue, Evaluate: evalLeadReplyOverdue})
	r.MustRegister(Rule{Key: RuleProposalFollowupDue, Evaluate: evalProposalFollowupDue})
	r.MustRegister(Rule{Key: RuleDeliveryBlocked, Evaluate: evalDeliveryBlocked})
	return r
}
