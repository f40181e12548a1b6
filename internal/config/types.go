package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	LLM      LLMConfig      `json:"llm"`
	Budget   BudgetConfig   `json:"budget"`
	Matching MatchingConfig `json:"matching"`

	// Processor controls the generation queue consumer.
	Processor ProcessorConfig `json:"processor"`
}

type TelegramConfig struct {
	// Token may be empty here; TELEGRAM_BOT_TOKEN from the environment wins.
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AdminChatID receives the weekly spend report when set.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// NotifyRatePerSec caps outbound messages (Telegram API limit headroom).
	NotifyRatePerSec int `json:"notify_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LLMConfig struct {
	// Model is the chat model used for both generation kinds.
	Model string `json:"model"`
	// EmbeddingModel is used for profile vectors.
	EmbeddingModel string `json:"embedding_model,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	// RequestTimeout is a Go duration string; bounds every provider call.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type BudgetConfig struct {
	// WeeklyUSD is the global weekly spend target across a generation kind.
	WeeklyUSD float64 `json:"weekly_usd"`
}

type MatchingConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxCandidates       int     `json:"max_candidates,omitempty"`
	// IdleBackoff is how long the matcher sleeps when no eligible users exist.
	IdleBackoff string `json:"idle_backoff,omitempty"`
}

type ProcessorConfig struct {
	// PollInterval is the queue poll cadence, a Go duration string.
	PollInterval string `json:"poll_interval,omitempty"`
	// StaleClaimGrace reclaims in-progress records older than this.
	// Keys are generation kinds; "default" applies to unlisted kinds.
	StaleClaimGrace map[string]string `json:"stale_claim_grace,omitempty"`
}
