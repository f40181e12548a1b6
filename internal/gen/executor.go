package gen

import (
	"context"

	"matchbot/internal/llm"
	"matchbot/internal/storage"
)

// Outcome carries whatever billing data an execution produced. It is
// meaningful on failures too: if the provider billed before erroring, the
// cost must still land in the record.
type Outcome struct {
	Usage              llm.Usage
	CostUSD            float64
	ProviderResponseID string
}

// Executor turns a claimed generation record into a model call and applies
// the result to its subject. One executor per kind; dispatch is an explicit
// table in the processor.
type Executor interface {
	Kind() storage.Kind
	Execute(ctx context.Context, g *storage.Generation) (Outcome, error)
}
