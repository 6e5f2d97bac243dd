package executor

import (
	"github.com/shopspring/decimal"

	"rugshield/internal/config"
)

// OptionsFromConfig builds executor options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	c := cfg.Executor
	return Options{
		TriggerStates:       cfg.TriggerStates(),
		MaxAttempts:         c.MaxAttempts,
		BackoffBase:         c.BackoffBase.D(),
		SubmitTimeout:       c.SubmitTimeout.D(),
		FinalityTimeout:     c.FinalityTimeout.D(),
		ConfirmPollInterval: c.ConfirmPollInterval.D(),
		ConfirmCooldown:     c.ConfirmCooldown.D(),
		RetryCooldown:       c.RetryCooldown.D(),
		SellFraction:        decimal.NewFromFloat(c.SellFraction),
		TargetAsset:         c.TargetAsset,
	}
}
