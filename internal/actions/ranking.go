package actions

import "sort"

// BoostFunc returns a per-rule score adjustment learned from outcome data.
// Implementations must return values in a bounded range so a boost can
// reorder within a priority tier but the tier itself always wins.
type BoostFunc func(ruleKey string) float64

// TopN ranks actions and returns the first n. Ordering is priority tier
// descending, then boosted score descending, then recency descending.
// Boost applies only within a tier; it never promotes an action past a
// higher-priority one. A nil boost means no adjustment. The input slice is
// not modified; n <= 0 means no limit.
func TopN(items []*NextBestAction, n int, boost BoostFunc) []*NextBestAction {
	ranked := make([]*NextBestAction, len(items))
	copy(ranked, items)

	effective := func(a *NextBestAction) float64 {
		if boost == nil {
			return a.Score
		}
		return a.Score + boost(a.CreatedByRule)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := PriorityRank(ranked[i].Priority), PriorityRank(ranked[j].Priority)
		if ri != rj {
			return ri > rj
		}
		si, sj := effective(ranked[i]), effective(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
