package llm

// modelPrice is USD per million tokens.
type modelPrice struct {
	Input       float64
	CachedInput float64
	Output      float64
}

var pricing = map[string]modelPrice{
	"gpt-4o":                 {Input: 2.50, CachedInput: 1.25, Output: 10.00},
	"gpt-4o-mini":            {Input: 0.15, CachedInput: 0.075, Output: 0.60},
	"gpt-4.1":                {Input: 2.00, CachedInput: 0.50, Output: 8.00},
	"gpt-4.1-mini":           {Input: 0.40, CachedInput: 0.10, Output: 1.60},
	"gpt-5-mini":             {Input: 0.25, CachedInput: 0.025, Output: 2.00},
	"text-embedding-3-small": {Input: 0.02},
}

// Price maps token usage to a dollar cost. Unknown models price at zero,
// which the budget scheduler treats as "no spacing" rather than an error.
func Price(u Usage, model string) (float64, bool) {
	p, ok := pricing[model]
	if !ok {
		return 0, false
	}
	const m = 1e6
	cost := float64(u.UncachedInputTokens)*p.Input/m +
		float64(u.CachedInputTokens)*p.CachedInput/m +
		float64(u.OutputTokens)*p.Output/m
	return cost, true
}
