package model

// Usage is the accumulated consumption snapshot for a run. Within one run,
// successive snapshots must be monotonically non-decreasing: a later snapshot
// never reports less total work than an earlier one.
type Usage struct {
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	TotalTokens    int64   `json:"totalTokens"`
	ThinkingTokens int64   `json:"thinkingTokens"`
	CostUsd        float64 `json:"costUsd"`
	DurationMs     int64   `json:"durationMs"`
	ModelUsed      string  `json:"modelUsed"`
	Downgrades     int     `json:"downgrades"`
	Steps          int     `json:"steps"`
	ToolCalls      int     `json:"toolCalls"`
}

// ZeroUsage returns the initial snapshot for a new run.
func ZeroUsage(model string) Usage {
	return Usage{ModelUsed: model}
}

// AtLeast reports whether u reports at least as much work as prev on every
// accumulating field. ModelUsed and Downgrades are bookkeeping, not work,
// so they are excluded from the comparison (Downgrades still may not shrink).
func (u Usage) AtLeast(prev Usage) bool {
	return u.InputTokens >= prev.InputTokens &&
		u.OutputTokens >= prev.OutputTokens &&
		u.TotalTokens >= prev.TotalTokens &&
		u.ThinkingTokens >= prev.ThinkingTokens &&
		u.CostUsd >= prev.CostUsd &&
		u.DurationMs >= prev.DurationMs &&
		u.Downgrades >= prev.Downgrades &&
		u.Steps >= prev.Steps &&
		u.ToolCalls >= prev.ToolCalls
}

// AddStep folds one completed step's consumption into the snapshot.
func (u Usage) AddStep(s Step) Usage {
	u.InputTokens += s.InputTokens
	u.OutputTokens += s.OutputTokens
	u.TotalTokens += s.InputTokens + s.OutputTokens
	u.ThinkingTokens += s.ThinkingTokens
	u.CostUsd += s.CostUsd
	u.DurationMs += s.DurationMs
	u.Steps++
	if s.ToolName != nil {
		u.ToolCalls++
	}
	return u
}
