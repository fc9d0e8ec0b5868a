package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy is the hot-reloadable part of billing behavior: trial and
// grace windows, overage pricing, invoicing policy, and health thresholds.
type BillingPolicy struct {
	Trial     TrialPolicy     `mapstructure:"trial"`
	Grace     GracePolicy     `mapstructure:"grace"`
	Overage   OveragePolicy   `mapstructure:"overage"`
	Invoicing InvoicingPolicy `mapstructure:"invoicing"`
	Health    HealthPolicy    `mapstructure:"health"`
}

type TrialPolicy struct {
	DefaultDays int `mapstructure:"defaultDays"`
	// MaxTrialsPerOrganization caps repeated trials after cancellation.
	MaxTrialsPerOrganization int `mapstructure:"maxTrialsPerOrganization"`
	// WarningDays lists the days-remaining marks at which expiration
	// warnings are sent.
	WarningDays []int `mapstructure:"warningDays"`
}

type GracePolicy struct {
	Days int `mapstructure:"days"`
}

// OveragePolicy prices usage beyond plan limits. Amounts are in cents.
type OveragePolicy struct {
	UserCents        int64 `mapstructure:"userCents"`
	ContactBlockSize int64 `mapstructure:"contactBlockSize"`
	ContactBlockCents int64 `mapstructure:"contactBlockCents"`
	LeadBlockSize    int64 `mapstructure:"leadBlockSize"`
	LeadBlockCents   int64 `mapstructure:"leadBlockCents"`
}

type InvoicingPolicy struct {
	// Backfill controls whether a catch-up run generates one invoice per
	// missed period (true) or a single invoice per run (false, matching
	// the historical behavior).
	Backfill bool `mapstructure:"backfill"`
	DueDays  int  `mapstructure:"dueDays"`
}

type HealthPolicy struct {
	MaxSuspendedSubscriptions int64 `mapstructure:"maxSuspendedSubscriptions"`
	MaxOverdueDraftInvoices   int64 `mapstructure:"maxOverdueDraftInvoices"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		Trial: TrialPolicy{
			DefaultDays:              30,
			MaxTrialsPerOrganization: 2,
			WarningDays:              []int{7, 3, 1},
		},
		Grace: GracePolicy{Days: 7},
		Overage: OveragePolicy{
			UserCents:         500,
			ContactBlockSize:  100,
			ContactBlockCents: 100,
			LeadBlockSize:     50,
			LeadBlockCents:    50,
		},
		Invoicing: InvoicingPolicy{
			Backfill: false,
			DueDays:  14,
		},
		Health: HealthPolicy{
			MaxSuspendedSubscriptions: 50,
			MaxOverdueDraftInvoices:   100,
		},
	}
}

// BillingPolicyHolder serves the current policy and swaps it atomically on
// config file change.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/uppalcrm/config")
	v.AddConfigPath("/etc/uppalcrm")
	v.AddConfigPath(".")

	v.SetEnvPrefix("UPPALCRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.trial", defaults.Trial)
	v.SetDefault("billing.grace", defaults.Grace)
	v.SetDefault("billing.overage", defaults.Overage)
	v.SetDefault("billing.invoicing", defaults.Invoicing)
	v.SetDefault("billing.health", defaults.Health)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingPolicyHolder wraps a fixed policy, for tests and tools
// that do not watch a config file.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.Trial.DefaultDays <= 0 {
		return errors.New("billing.trial.defaultDays must be positive")
	}
	if policy.Grace.Days <= 0 {
		return errors.New("billing.grace.days must be positive")
	}
	if policy.Overage.ContactBlockSize <= 0 || policy.Overage.LeadBlockSize <= 0 {
		return errors.New("billing.overage block sizes must be positive")
	}
	if policy.Invoicing.DueDays <= 0 {
		return errors.New("billing.invoicing.dueDays must be positive")
	}
	return nil
}
