package rules

import (
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/snapshot"
)

// Rule keys. Dedupe keys derive from these plus the entity scope, so the
// same condition detected twice lands on the same record.
const (
	RuleScoreInCriticalBand = "score_in_critical_band"
	RuleScoreBandRegression = "score_band_regression"
	RuleRetentionOverdue    = "retention_overdue"
	RuleFlywheelStageStall  = "flywheel_stage_stall"
	RuleLeadReplyOverdue    = "lead_reply_overdue"
	RuleProposalFollowupDue = "proposal_followup_due"
	RuleDeliveryBlocked     = "delivery_blocked"
)

// Detection thresholds.
const (
	retentionTouchpointMax = 45 * 24 * time.Hour
	stageStallMax          = 21 * 24 * time.Hour
	leadReplyMax           = 48 * time.Hour
	proposalFollowupGap    = 5 * 24 * time.Hour
	deliveryBlockCritical  = 3 * 24 * time.Hour
)

func flagDedupe(rule, entityType, entityID string) string {
	return fmt.Sprintf("flag:%s:%s:%s", rule, entityType, entityID)
}

func actionDedupe(rule, entityType, entityID string) string {
	return fmt.Sprintf("nba:%s:%s:%s", rule, entityType, entityID)
}

func evalScoreInCriticalBand(in *Input) []Candidate {
	var out []Candidate
	for _, c := range in.Clients {
		if c.Band != snapshot.BandCritical {
			continue
		}
		out = append(out, Candidate{
			Kind:       KindFlag,
			Key:        RuleScoreInCriticalBand,
			DedupeKey:  flagDedupe(RuleScoreInCriticalBand, "client", c.ID),
			Title:      fmt.Sprintf("%s health is critical", c.Name),
			Reason:     "health score is in the critical band",
			Severity:   flags.SeverityCritical,
			SourceType: "health_score",
			SourceID:   c.ID,
			EntityType: "client",
			EntityID:   c.ID,
		})
		out = append(out, Candidate{
			Kind:       KindAction,
			Key:        RuleScoreInCriticalBand,
			DedupeKey:  actionDedupe(RuleScoreInCriticalBand, "client", c.ID),
			Title:      fmt.Sprintf("Schedule a rescue call with %s", c.Name),
			Reason:     "critical health band needs direct outreach",
			Priority:   actions.PriorityCritical,
			Score:      90,
			SourceType: "health_score",
			SourceID:   c.ID,
			EntityType: "client",
			EntityID:   c.ID,
		})
	}
	return out
}

func evalScoreBandRegression(in *Input) []Candidate {
	var out []Candidate
	for _, c := range in.Clients {
		// Only a strict worsening counts; unknown bands compare as zero.
		if snapshot.CompareBands(c.PreviousBand, c.Band) >= 0 {
			continue
		}
		sev := flags.SeverityMedium
		if c.Band == snapshot.BandCritical {
			// The critical-band rule already paged; keep this one high.
			sev = flags.SeverityHigh
		}
		out = append(out, Candidate{
			Kind:       KindFlag,
			Key:        RuleScoreBandRegression,
			DedupeKey:  flagDedupe(RuleScoreBandRegression, "client", c.ID),
			Title:      fmt.Sprintf("%s dropped from %s to %s", c.Name, c.PreviousBand, c.Band),
			Reason:     "health band regressed since the previous score",
			Severity:   sev,
			SourceType: "health_score",
			SourceID:   c.ID,
			EntityType: "client",
			EntityID:   c.ID,
		})
	}
	return out
}

func evalRetentionOverdue(in *Input) []Candidate {
	var out []Candidate
	for _, c := range in.Clients {
		if c.LastTouchpointAt == nil || in.Now.Sub(*c.LastTouchpointAt) < retentionTouchpointMax {
			continue
		}
		days := int(in.Now.Sub(*c.LastTouchpointAt).Hours() / 24)
		out = append(out, Candidate{
			Kind:       KindAction,
			Key:        RuleRetentionOverdue,
			DedupeKey:  actionDedupe(RuleRetentionOverdue, "client", c.ID),
			Title:      fmt.Sprintf("Check in with %s", c.Name),
			Reason:     fmt.Sprintf("no touchpoint in %d days", days),
			Priority:   actions.PriorityMedium,
			Score:      float64(40 + min(days-45, 30)),
			SourceType: "retention",
			SourceID:   c.ID,
			EntityType: "client",
			EntityID:   c.ID,
		})
	}
	return out
}

func evalFlywheelStageStall(in *Input) []Candidate {
	var out []Candidate
	for _, c := range in.Clients {
		if c.FlywheelStage == "" || c.StageEnteredAt == nil {
			continue
		}
		stalled := in.Now.Sub(*c.StageEnteredAt)
		if stalled < stageStallMax {
			continue
		}
		out = append(out, Candidate{
			Kind:       KindFlag,
			Key:        RuleFlywheelStageStall,
			DedupeKey:  flagDedupe(RuleFlywheelStageStall, "client", c.ID),
			Title:      fmt.Sprintf("%s stalled in %s", c.Name, c.FlywheelStage),
			Reason:     fmt.Sprintf("no stage progress for %d days", int(stalled.Hours()/24)),
			Severity:   flags.SeverityMedium,
			SourceType: "flywheel",
			SourceID:   c.ID,
			EntityType: "client",
			EntityID:   c.ID,
		})
	}
	return out
}

func evalLeadReplyOverdue(in *Input) []Candidate {
	var out []Candidate
	for _, l := range in.Leads {
		if l.LastInboundAt == nil {
			continue
		}
		// A reply after the last inbound message clears the condition.
		if l.LastReplyAt != nil && l.LastReplyAt.After(*l.LastInboundAt) {
			continue
		}
		waiting := in.Now.Sub(*l.LastInboundAt)
		if waiting < leadReplyMax {
			continue
		}
		priority := actions.PriorityHigh
		if waiting >= 2*leadReplyMax {
			priority = actions.PriorityCritical
		}
		out = append(out, Candidate{
			Kind:       KindAction,
			Key:        RuleLeadReplyOverdue,
			DedupeKey:  actionDedupe(RuleLeadReplyOverdue, "lead", l.ID),
			Title:      fmt.Sprintf("Reply to %s", l.Name),
			Reason:     fmt.Sprintf("inbound message waiting %dh", int(waiting.Hours())),
			Priority:   priority,
			Score:      float64(60 + min(int(waiting.Hours()), 40)),
			SourceType: "lead",
			SourceID:   l.ID,
			EntityType: "lead",
			EntityID:   l.ID,
		})
	}
	return out
}

func evalProposalFollowupDue(in *Input) []Candidate {
	var out []Candidate
	for _, p := range in.Proposals {
		last := p.SentAt
		if p.LastFollowUpAt != nil && p.LastFollowUpAt.After(last) {
			last = *p.LastFollowUpAt
		}
		if in.Now.Sub(last) < proposalFollowupGap {
			continue
		}
		out = append(out, Candidate{
			Kind:       KindAction,
			Key:        RuleProposalFollowupDue,
			DedupeKey:  actionDedupe(RuleProposalFollowupDue, "proposal", p.ID),
			Title:      fmt.Sprintf("Follow up on proposal for %s", p.ClientName),
			Reason:     fmt.Sprintf("no follow-up in %d days", int(in.Now.Sub(last).Hours()/24)),
			Priority:   actions.PriorityHigh,
			Score:      70,
			SourceType: "proposal",
			SourceID:   p.ID,
			EntityType: "proposal",
			EntityID:   p.ID,
		})
	}
	return out
}

func evalDeliveryBlocked(in *Input) []Candidate {
	var out []Candidate
	for _, d := range in.Deliveries {
		if d.BlockedSince == nil {
			continue
		}
		blocked := in.Now.Sub(*d.BlockedSince)
		sev := flags.SeverityHigh
		if blocked >= deliveryBlockCritical {
			sev = flags.SeverityCritical
		}
		reason := d.BlockReason
		if reason == "" {
			reason = "delivery is blocked"
		}
		out = append(out, Candidate{
			Kind:       KindFlag,
			Key:        RuleDeliveryBlocked,
			DedupeKey:  flagDedupe(RuleDeliveryBlocked, "delivery", d.ID),
			Title:      fmt.Sprintf("Delivery for %s is blocked", d.ClientName),
			Reason:     reason,
			Severity:   sev,
			SourceType: "delivery",
			SourceID:   d.ID,
			EntityType: "delivery",
			EntityID:   d.ID,
		})
	}
	return out
}
