package account

import "time"

// SelectOptions carries per-request hints into account selection
type SelectOptions struct {
	// SessionKey, when set, lets the sticky strategy pin a client
	// session to one account
	SessionKey string
}

// Strategy decides which available account serves the next request.
// Select receives the pool's full ordered slice; it must skip accounts
// that are not available for the model and break ties by slice order.
// Select returns nil when no account is usable.
type Strategy interface {
	Select(accounts []*Account, modelID string, now time.Time, opts SelectOptions) *Account
	OnSuccess(acc *Account, modelID string)
	OnFailure(acc *Account, modelID string)
	OnRateLimit(acc *Account, modelID string)
	Label() string
}
