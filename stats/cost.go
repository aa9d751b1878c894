package stats

// CallType is a billable upstream call.
type CallType string

const (
	CallProfile  CallType = "profile"
	CallPosts    CallType = "posts"
	CallAnalysis CallType = "ai_analysis"
)

// CostTable maps a call type to its estimated cost in cents. It is business
// configuration and is loaded from config rather than hard-coded at call sites.
type CostTable map[CallType]int64

// DefaultCostTable returns the baseline estimates.
func DefaultCostTable() CostTable {
	return CostTable{
		CallProfile:  5,
		CallPosts:    5,
		CallAnalysis: 25,
	}
}

// Cost returns the cents for call, or 0 for unknown calls.
func (c CostTable) Cost(call CallType) int64 {
	return c[call]
}

// FromConfig builds a table from string keys, ignoring negative values.
func FromConfig(m map[string]int64) CostTable {
	out := DefaultCostTable()
	for k, v := range m {
		if v >= 0 {
			out[CallType(k)] = v
		}
	}
	return out
}
