package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opsdeck/opsdeck/internal/actions"
)

// Known action keys. snooze_Nd keys beyond these are parsed dynamically.
const (
	ActionMarkDone       = "mark_done"
	ActionDismiss        = "dismiss"
	ActionSnooze1d       = "snooze_1d"
	ActionSnooze3d       = "snooze_3d"
	ActionSnooze7d       = "snooze_7d"
	ActionRunRiskRules   = "run_risk_rules"
	ActionRunNextActions = "run_next_actions"
	ActionRecomputeScore = "recompute_score"
)

// Snooze durations are bounded so a typo'd key cannot park an action for a
// year.
const (
	snoozeMinDays = 1
	snoozeMaxDays = 30
)

func (o *Orchestrator) registerBuiltins() {
	o.register(&actionDef{
		key:       ActionMarkDone,
		needsNBA:  true,
		attribute: true,
		describe: func(nba *actions.NextBestAction) string {
			return fmt.Sprintf("Would mark %q as done", nba.Title)
		},
		apply: func(o *Orchestrator, nba *actions.NextBestAction) (*transition, error) {
			return &transition{status: actions.StatusDone}, nil
		},
	})
	o.register(&actionDef{
		key:       ActionDismiss,
		needsNBA:  true,
		attribute: true,
		describe: func(nba *actions.NextBestAction) string {
			return fmt.Sprintf("Would dismiss %q without acting on it", nba.Title)
		},
		apply: func(o *Orchestrator, nba *actions.NextBestAction) (*transition, error) {
			return &transition{status: actions.StatusDismissed}, nil
		},
	})
	for _, key := range []string{ActionSnooze1d, ActionSnooze3d, ActionSnooze7d} {
		days, _ := parseSnoozeKey(key)
		o.register(snoozeDef(key, days))
	}
	o.register(&actionDef{
		key: ActionRunRiskRules,
		describe: func(*actions.NextBestAction) string {
			return "Would re-evaluate all risk rules against current data"
		},
	})
	o.register(&actionDef{
		key: ActionRunNextActions,
		describe: func(*actions.NextBestAction) string {
			return "Would regenerate the next-best-action queue"
		},
	})
	o.register(&actionDef{
		key: ActionRecomputeScore,
		describe: func(*actions.NextBestAction) string {
			return "Would recompute the health score for the given entity"
		},
	})
}

func snoozeDef(key string, days int) *actionDef {
	return &actionDef{
		key:      key,
		needsNBA: true,
		describe: func(nba *actions.NextBestAction) string {
			return fmt.Sprintf("Would snooze %q for %d day(s)", nba.Title, days)
		},
		apply: func(o *Orchestrator, nba *actions.NextBestAction) (*transition, error) {
			until := o.now().Add(time.Duration(days) * 24 * time.Hour)
			return &transition{status: actions.StatusSnoozed, snoozedUntil: &until}, nil
		},
	}
}

// parseSnoozeKey recognizes snooze_Nd for N in [1, 30].
func parseSnoozeKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "snooze_")
	if !ok {
		return 0, false
	}
	numeric, ok := strings.CutSuffix(rest, "d")
	if !ok || numeric == "" {
		return 0, false
	}
	days, err := strconv.Atoi(numeric)
	if err != nil || days < snoozeMinDays || days > snoozeMaxDays {
		return 0, false
	}
	return days, true
}
