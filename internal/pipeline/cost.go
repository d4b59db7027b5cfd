package pipeline

import "fmt"

// applyCostHook sums completed-stage costs, buckets them by the configured
// category mapping, and forwards the totals to the budget checker. The whole
// hook is best-effort: a panicking or erroring checker only produces a
// warning, never a status change.
func (e *Engine) applyCostHook(ls *loopState) {
	defer func() {
		if r := recover(); r != nil {
			e.Warn(fmt.Sprintf("cost hook panic for %s: %v", ls.runID, r))
		}
	}()

	total := 0.0
	breakdown := map[string]float64{}
	for name, rec := range ls.outputs {
		if rec == nil || rec.Status != StageCompleted {
			continue
		}
		total += rec.Cost
		category := e.categories[name]
		if category == "" {
			category = "other"
		}
		breakdown[category] += rec.Cost
	}

	if err := e.store.UpdateTotalCost(ls.runID, total); err != nil {
		e.Warn(fmt.Sprintf("persist total cost %s: %v", ls.runID, err))
	}
	ls.totalCost = total

	e.appendProgress(map[string]any{
		"event":      "cost_summary",
		"run_id":     ls.runID,
		"total_cost": total,
		"breakdown":  breakdown,
	})

	if e.budget == nil {
		return
	}
	for _, w := range e.budget.CheckBudget(ls.runID, total, breakdown) {
		e.Warn(w)
	}
}

// ThresholdBudget is the default budget checker: it flags the run when the
// total crosses the ceiling, and a category when it crosses its own limit.
type ThresholdBudget struct {
	Ceiling        float64
	CategoryLimits map[string]float64
}

func (b ThresholdBudget) CheckBudget(runID string, total float64, breakdown map[string]float64) []string {
	var warnings []string
	if b.Ceiling > 0 && total > b.Ceiling {
		warnings = append(warnings,
			fmt.Sprintf("run %s cost %.4f exceeds budget ceiling %.4f", runID, total, b.Ceiling))
	}
	for category, limit := range b.CategoryLimits {
		if limit > 0 && breakdown[category] > limit {
			warnings = append(warnings,
				fmt.Sprintf("run %s category %s cost %.4f exceeds limit %.4f", runID, category, breakdown[category], limit))
		}
	}
	return warnings
}
