package schema

// Usage holds running token counters for a task or session.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add merges another counter set into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// UsageFromPayload reads token counters out of an opaque payload map.
// Missing counters read as zero; total is derived when absent.
func UsageFromPayload(payload map[string]any) Usage {
	var u Usage
	if v, ok := GetNumber(payload, "input_tokens"); ok {
		u.InputTokens = int64(v)
	}
	if v, ok := GetNumber(payload, "output_tokens"); ok {
		u.OutputTokens = int64(v)
	}
	if v, ok := GetNumber(payload, "total_tokens"); ok {
		u.TotalTokens = int64(v)
	} else {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// ToPayload renders counters as an opaque payload map.
func (u Usage) ToPayload() map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}
