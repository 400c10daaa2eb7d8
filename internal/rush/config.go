package rush

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// AccountConfig is one trading account as configured on disk. Credentials
// are opaque to the core; they are handed to the gateway untouched.
type AccountConfig struct {
	ID string `json:"id"`

	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`

	// Pro wallet credentials; presence switches the gateway to v3 signing.
	User       string `json:"user,omitempty"`
	Signer     string `json:"signer,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`

	Proxy    string `json:"proxy,omitempty"`
	TestMode bool   `json:"test_mode,omitempty"`

	// Optional whitelist; empty means every symbol the venue lists.
	Symbols []string `json:"symbols,omitempty"`

	DepthPosition     int     `json:"depth_position"`
	TargetNotional    float64 `json:"target_notional"`
	NotionalDeviation float64 `json:"notional_deviation"`
	HoldSeconds       float64 `json:"hold_seconds"`
	HoldDeviation     float64 `json:"hold_deviation"`
}

// Config drives one engine run.
type Config struct {
	Symbols            []string
	MaxConcurrentTasks int
	Leverage           int
	TickInterval       time.Duration
	LaunchSpacing      time.Duration
}

// LoadAccounts reads a JSON array of account configs and applies defaults.
func LoadAccounts(path string) ([]AccountConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []AccountConfig
	if err := json.Unmarshal(b, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	for i := range accounts {
		applyAccountDefaults(&accounts[i])
		if accounts[i].ID == "" {
			return nil, fmt.Errorf("accounts file %s: entry %d has no id", path, i)
		}
	}
	return accounts, nil
}

func applyAccountDefaults(a *AccountConfig) {
	if a.DepthPosition == 0 {
		a.DepthPosition = 5
	}
	if a.TargetNotional == 0 {
		a.TargetNotional = 100
	}
	if a.NotionalDeviation == 0 {
		a.NotionalDeviation = 0.01
	}
	if a.HoldSeconds == 0 {
		a.HoldSeconds = 300
	}
	if a.HoldDeviation == 0 {
		a.HoldDeviation = 0.01
	}
}

// Validate enforces the run preconditions: two accounts make one task, so
// the concurrency ceiling is (accounts/2) × symbols.
func Validate(cfg Config, accounts []AccountConfig) error {
	if len(accounts) < 2 {
		return fmt.Errorf("need at least 2 accounts, have %d", len(accounts))
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("need at least 1 symbol")
	}
	if maxTasks := len(accounts) / 2 * len(cfg.Symbols); cfg.MaxConcurrentTasks > maxTasks {
		return fmt.Errorf("max concurrent tasks %d exceeds accounts/2 × symbols = %d", cfg.MaxConcurrentTasks, maxTasks)
	}
	if cfg.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be >= 1")
	}
	if cfg.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.DepthPosition < 1 || a.DepthPosition > 500 {
			return fmt.Errorf("account %s: depth position must be in 1..500", a.ID)
		}
		if a.TargetNotional < 10 {
			return fmt.Errorf("account %s: target notional must be >= 10", a.ID)
		}
		if a.NotionalDeviation < 0 || a.HoldDeviation < 0 {
			return fmt.Errorf("account %s: deviations must be >= 0", a.ID)
		}
		if a.HoldSeconds <= 0 {
			return fmt.Errorf("account %s: hold seconds must be > 0", a.ID)
		}
	}
	return nil
}
