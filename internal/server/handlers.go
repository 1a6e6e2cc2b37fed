package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/effectiveness"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/orchestrator"
	"github.com/opsdeck/opsdeck/internal/pagination"
	"github.com/opsdeck/opsdeck/internal/policy"
	"github.com/opsdeck/opsdeck/internal/sanitize"
)

// -----------------------------------------------------------------------------
// Info & health
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Opsdeck",
		"description": "Decision engine for solo service-business operators",
		"version":     "0.1.0",
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Checks    []healthCheck `json:"checks,omitempty"`
	Timestamp string        `json:"timestamp"`
}

type healthCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	checks := make([]healthCheck, len(statuses))
	for i, st := range statuses {
		checks[i] = healthCheck{Name: st.Name, Healthy: st.Healthy, Detail: st.Detail}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// runRulesHandler handles POST /v1/engine/run-rules
func (s *Server) runRulesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := s.runEngine(ctx)
	if err != nil {
		logging.L(ctx).Error("rule run failed", "error", sanitize.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "rule_run_failed",
			"message": "Rule evaluation did not complete",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// runActionHandler handles POST /v1/actions/run
func (s *Server) runActionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.ActorUserID = auth.ActorID(c)

	result, err := s.orch.Run(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrUnknownAction),
			errors.Is(err, orchestrator.ErrUnknownMode),
			errors.Is(err, orchestrator.ErrMissingTarget):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		case errors.Is(err, orchestrator.ErrTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "action_terminal",
				"message": err.Error(),
			})
		case errors.Is(err, actions.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Next action not found",
			})
		default:
			logging.L(ctx).Error("action run failed",
				"action_key", req.ActionKey,
				"error", sanitize.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Action run failed",
			})
		}
		return
	}

	// A failed execution is a normal outcome: the envelope carries ok:false
	// and the sanitized cause, but the HTTP call itself succeeded.
	c.JSON(http.StatusOK, result)
}

// summaryHandler handles GET /v1/engine/summary?range=7d|30d
func (s *Server) summaryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	rangeParam := c.DefaultQuery("range", "7d")
	var window time.Duration
	switch rangeParam {
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_range",
			"message": "range must be 7d or 30d",
		})
		return
	}

	if payload, ok := s.summary.get(rangeParam); ok {
		c.JSON(http.StatusOK, payload)
		return
	}

	// Serialize recomputation per range so a burst of dashboard loads does
	// one aggregation, not one per request.
	unlock, err := s.summaryLocks.Acquire(ctx, rangeParam)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "timeout",
			"message": "Summary computation timed out",
		})
		return
	}
	defer unlock()

	if payload, ok := s.summary.get(rangeParam); ok {
		c.JSON(http.StatusOK, payload)
		return
	}

	now := s.now()
	from := now.Add(-window)
	priorFrom := from.Add(-window)

	current, err := s.policyEng.ComputeWindowStats(ctx, from, now)
	if err != nil {
		s.summaryError(c, "window stats", err)
		return
	}
	prior, err := s.policyEng.ComputeWindowStats(ctx, priorFrom, from)
	if err != nil {
		s.summaryError(c, "prior window stats", err)
		return
	}
	diffs := policy.ComputeTrendDiffs(current, prior)

	byRule, err := s.aggregator.ComputeWindow(ctx, "", from, now)
	if err != nil {
		s.summaryError(c, "effectiveness", err)
		return
	}

	suggestions := policy.DeriveSuggestions(current, byRule)
	alerts, err := s.policyEng.BuildPatternAlerts(ctx, suggestions)
	if err != nil {
		s.summaryError(c, "pattern alerts", err)
		return
	}

	dismissCounts := make(map[string]int, len(current.ByRule))
	for key, rs := range current.ByRule {
		dismissCounts[key] = rs.DismissCount
	}

	payload := gin.H{
		"range":                 rangeParam,
		"from":                  from.UTC(),
		"to":                    now.UTC(),
		"topRecurring":          topRecurring(current, 5),
		"topEffective":          effectiveness.TopEffective(byRule, 5),
		"topNoisy":              effectiveness.TopNoisy(byRule, dismissCounts, 5),
		"suggestedSuppressions": suggestions,
		"trendDiffs":            diffs,
		"patternAlerts":         alerts,
		"lastUpdatedAt":         now.UTC(),
	}
	s.summary.put(rangeParam, payload)

	c.JSON(http.StatusOK, payload)
}

// applySuggestionHandler handles POST /v1/policy/suggestions/apply.
// Suggestions are advisory until the operator commits one here; this is the
// only route that mutates learned weights.
func (s *Server) applySuggestionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req policy.Suggestion
	if err := c.ShouldBindJSON(&req); err != nil || req.RuleKey == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type and ruleKey are required",
		})
		return
	}

	weight, err := s.policyEng.Apply(ctx, &req)
	if err != nil {
		if req.Type != policy.SuggestionSuppression30d && req.Type != policy.SuggestionWeightAdjustment {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("suggestion apply failed",
			"rule_key", req.RuleKey,
			"type", req.Type,
			"error", sanitize.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply suggestion",
		})
		return
	}

	logging.L(ctx).Info("policy suggestion applied",
		"rule_key", req.RuleKey,
		"type", req.Type,
		"actor", auth.ActorID(c),
	)

	// Applied weights change both the summary and the ranked queue on the
	// next read; drop the cached summaries now so it shows immediately.
	s.summary.invalidate()

	c.JSON(http.StatusOK, gin.H{"weight": weight})
}

func (s *Server) summaryError(c *gin.Context, stage string, err error) {
	logging.L(c.Request.Context()).Error("summary computation failed",
		"stage", stage,
		"error", sanitize.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Summary computation failed",
	})
}

// topRecurring returns the n most frequently triggered rules in the window.
func topRecurring(stats *policy.WindowStats, n int) []*policy.RuleStats {
	out := make([]*policy.RuleStats, 0, len(stats.ByRule))
	for _, rs := range stats.ByRule {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCount != out[j].TotalCount {
			return out[i].TotalCount > out[j].TotalCount
		}
		return out[i].RuleKey < out[j].RuleKey
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

// listFlagsHandler handles GET /v1/flags
func (s *Server) listFlagsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	filter := flags.ListFilter{
		Status:     flags.Status(c.Query("status")),
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Limit:      queryInt(c, "limit", 50),
	}
	if filter.Status != "" && !flags.ValidStatus(filter.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be open, dismissed, resolved, or snoozed",
		})
		return
	}

	list, err := s.flagStore.List(ctx, filter)
	if err != nil {
		logging.L(ctx).Error("flag list failed", "error", sanitize.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list flags",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flags": list,
		"count": len(list),
	})
}

// updateFlagStatusHandler handles PATCH /v1/flags/:id/status
func (s *Server) updateFlagStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Status flags.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	id := c.Param("id")
	if err := s.flagStore.UpdateStatus(ctx, id, req.Status); err != nil {
		switch {
		case errors.Is(err, flags.ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "status must be open, dismissed, resolved, or snoozed",
			})
		case errors.Is(err, flags.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Flag not found",
			})
		default:
			logging.L(ctx).Error("flag status update failed", "flag_id", id, "error", sanitize.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to update flag",
			})
		}
		return
	}

	logging.L(ctx).Info("flag status updated",
		"flag_id", id,
		"status", string(req.Status),
		"actor", auth.ActorID(c),
	)

	flag, err := s.flagStore.Get(ctx, id)
	if err != nil {
		// Update committed; return a minimal acknowledgement.
		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
		return
	}
	c.JSON(http.StatusOK, flag)
}

// -----------------------------------------------------------------------------
// Actions
// -----------------------------------------------------------------------------

// listActionsHandler handles GET /v1/actions.
//
// The queued listing is the ranked dashboard view: outcome-learned boosts
// reorder within priority tiers and suppressed rules are held back. Any
// other status filter returns plain store order.
func (s *Server) listActionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	status := actions.Status(c.DefaultQuery("status", string(actions.StatusQueued)))
	limit := queryInt(c, "limit", 10)

	filter := actions.ListFilter{
		Status:     status,
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
	}
	if status != actions.StatusQueued {
		filter.Limit = limit
	}

	list, err := s.actionStore.List(ctx, filter)
	if err != nil {
		logging.L(ctx).Error("action list failed", "error", sanitize.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list actions",
		})
		return
	}

	if status == actions.StatusQueued {
		list = s.rankQueued(ctx, list, limit)
	}

	c.JSON(http.StatusOK, gin.H{
		"actions": list,
		"count":   len(list),
	})
}

// rankQueued applies learned-weight suppression and the effectiveness boost
// to the queued list. Ranking inputs are advisory: a failure to load them
// degrades to the unboosted ordering rather than failing the request.
func (s *Server) rankQueued(ctx context.Context, list []*actions.NextBestAction, limit int) []*actions.NextBestAction {
	now := s.now()

	if weights, err := s.weightStore.List(ctx); err == nil {
		suppressed := make(map[string]bool)
		for _, w := range weights {
			if w.Kind == policy.KindRule && w.Suppressed(now) {
				suppressed[w.Key] = true
			}
		}
		if len(suppressed) > 0 {
			kept := list[:0]
			for _, a := range list {
				if !suppressed[a.CreatedByRule] {
					kept = append(kept, a)
				}
			}
			list = kept
		}
	} else {
		logging.L(ctx).Warn("learned weights unavailable for ranking", "error", sanitize.Error(err))
	}

	var boost actions.BoostFunc
	if byRule, err := s.aggregator.ComputeWindow(ctx, "", now.Add(-7*24*time.Hour), now); err == nil {
		boost = effectiveness.BoostFunc(byRule)
	} else {
		logging.L(ctx).Warn("effectiveness unavailable for ranking", "error", sanitize.Error(err))
	}

	return actions.TopN(list, limit, boost)
}

// listExecutionsHandler handles GET /v1/actions/:id/executions?limit=&cursor=
func (s *Server) listExecutionsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.actionStore.Get(ctx, id); err != nil {
		if errors.Is(err, actions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Next action not found",
			})
			return
		}
		logging.L(ctx).Error("execution list failed", "action_id", id, "error", sanitize.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list executions",
		})
		return
	}

	limit := queryInt(c, "limit", 20)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	// The store orders by started_at DESC. With a cursor we fetch the full
	// history and resume past the cursor position; first pages fetch limit+1.
	fetch := limit + 1
	if cursor != nil {
		fetch = 0
	}
	list, err := s.actionStore.ListExecutions(ctx, id, fetch)
	if err != nil {
		logging.L(ctx).Error("execution list failed", "action_id", id, "error", sanitize.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list executions",
		})
		return
	}

	if cursor != nil {
		list = executionsAfter(list, cursor)
		if len(list) > limit+1 {
			list = list[:limit+1]
		}
	}

	page, next, hasMore := pagination.ComputePage(list, limit, func(e *actions.Execution) (time.Time, string) {
		return e.StartedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"executions": page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// executionsAfter returns the suffix of a started_at DESC list strictly after
// the cursor position. Matches on ID when the cursor row still exists, and
// falls back to the timestamp when it has been deleted.
func executionsAfter(list []*actions.Execution, cursor *pagination.Cursor) []*actions.Execution {
	for i, e := range list {
		if e.ID == cursor.ID {
			return list[i+1:]
		}
	}
	for i, e := range list {
		if e.StartedAt.Before(cursor.At) {
			return list[i:]
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
