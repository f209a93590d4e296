package tool

// deltaUsage converts cumulative usage into a per-task delta. A drop in any
// core counter means the underlying CLI session restarted, in which case the
// current cumulative figures are taken verbatim.
func deltaUsage(current TokenUsage, previous *TokenUsage) TokenUsage {
	if previous == nil {
		return current
	}
	if current.Input < previous.Input || current.Output < previous.Output {
		return current
	}
	d := TokenUsage{
		Input:         current.Input - previous.Input,
		Output:        current.Output - previous.Output,
		CacheRead:     current.CacheRead - previous.CacheRead,
		CacheCreation: current.CacheCreation - previous.CacheCreation,
	}
	if d.CacheRead < 0 {
		d.CacheRead = 0
	}
	if d.CacheCreation < 0 {
		d.CacheCreation = 0
	}
	d.Total = d.Input + d.Output + d.CacheRead + d.CacheCreation
	return d
}

// sumTotal fills the Total field from the component counters when the SDK
// did not report one.
func sumTotal(u TokenUsage) TokenUsage {
	if u.Total == 0 {
		u.Total = u.Input + u.Output + u.CacheRead + u.CacheCreation
	}
	return u
}
