package stats

import (
	"regexp"
	"sync"

	"github.com/tidwall/gjson"
)

// UnknownModel is recorded when a request names no model.
const UnknownModel = "unknown_model"

var modelPathPattern = regexp.MustCompile(`/models/([^/:]+)`)

// AccountUsage counts calls made while one credential was active.
type AccountUsage struct {
	Total  int64            `json:"total"`
	Models map[string]int64 `json:"models"`
}

// Snapshot is a copy of the counters, shaped for the dashboard.
type Snapshot struct {
	TotalCalls   int64                `json:"totalCalls"`
	AccountCalls map[int]AccountUsage `json:"accountCalls"`
}

// UsageStats tracks API calls per credential and model. Counters live in
// memory only and reset on restart.
type UsageStats struct {
	mu       sync.RWMutex
	total    int64
	accounts map[int]*AccountUsage
}

// NewUsageStats creates a new usage stats tracker
func NewUsageStats() *UsageStats {
	return &UsageStats{accounts: make(map[int]*AccountUsage)}
}

// EnsureAccount makes index appear in snapshots with zero calls.
func (u *UsageStats) EnsureAccount(index int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accountLocked(index)
}

func (u *UsageStats) accountLocked(index int) *AccountUsage {
	acc, ok := u.accounts[index]
	if !ok {
		acc = &AccountUsage{Models: make(map[string]int64)}
		u.accounts[index] = acc
	}
	return acc
}

// RecordRequest counts one call against the credential index and model.
func (u *UsageStats) RecordRequest(index int, model string) {
	if model == "" {
		model = UnknownModel
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.total++
	acc := u.accountLocked(index)
	acc.Total++
	acc.Models[model]++
}

func (u *UsageStats) Snapshot() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := Snapshot{
		TotalCalls:   u.total,
		AccountCalls: make(map[int]AccountUsage, len(u.accounts)),
	}
	for idx, acc := range u.accounts {
		models := make(map[string]int64, len(acc.Models))
		for m, n := range acc.Models {
			models[m] = n
		}
		out.AccountCalls[idx] = AccountUsage{Total: acc.Total, Models: models}
	}
	return out
}

// ModelFromRequest extracts the model name from the body ("model", then
// "generation_config.model") or the /models/<name> path segment.
func ModelFromRequest(path string, body []byte) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() {
			if m := parsed.Get("model"); m.Exists() && m.String() != "" {
				return m.String()
			}
			if m := parsed.Get("generation_config.model"); m.Exists() && m.String() != "" {
				return m.String()
			}
		}
	}
	if match := modelPathPattern.FindStringSubmatch(path); match != nil {
		return match[1]
	}
	return UnknownModel
}
