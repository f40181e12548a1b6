package config

import "fmt"

// Validate rejects configs that would make the control loops misbehave
// (zero budget divides by zero; a threshold outside [0,1] never matches).
func Validate(cfg *Config) error {
	if cfg.Budget.WeeklyUSD <= 0 {
		return fmt.Errorf("budget.weekly_usd must be > 0")
	}
	if cfg.Matching.SimilarityThreshold < 0 || cfg.Matching.SimilarityThreshold > 1 {
		return fmt.Errorf("matching.similarity_threshold must be within [0, 1]")
	}
	if cfg.Matching.MaxCandidates < 0 {
		return fmt.Errorf("matching.max_candidates must be >= 0")
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	for _, raw := range []struct{ path, val string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"llm.request_timeout", cfg.LLM.RequestTimeout},
		{"matching.idle_backoff", cfg.Matching.IdleBackoff},
		{"processor.poll_interval", cfg.Processor.PollInterval},
	} {
		if _, err := ParseDurationField(raw.path, raw.val); err != nil {
			return err
		}
	}
	for kind, raw := range cfg.Processor.StaleClaimGrace {
		if _, err := ParseDurationField("processor.stale_claim_grace."+kind, raw); err != nil {
			return err
		}
	}
	return nil
}
