package strategies

import (
	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/utils"
)

// New returns the strategy for the given name. Unknown names fall back
// to the default with a warning.
func New(name string) account.Strategy {
	switch name {
	case "round-robin":
		return NewRoundRobin()
	case "sticky":
		return NewSticky()
	case "least-used":
		return NewLeastUsed()
	case "quota-aware":
		return NewQuotaAware()
	default:
		if name != "" {
			utils.Warn("[Strategies] Unknown strategy %q, using %s", name, config.DefaultSelectionStrategy)
		}
		return NewRoundRobin()
	}
}

// Label returns the display label for a strategy name
func Label(name string) string {
	if label, ok := config.StrategyLabels[name]; ok {
		return label
	}
	return name
}
