package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateCore ensures critical configuration is present and rejects the
// InvalidParameters cases called out in SPEC_FULL.md: zero widths, an
// acceptance ratio outside (0,1), and a missing backing store URL.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Site.BackingStoreURL) == "" {
		missing = append(missing, "BACKING_STORE_URL")
	}
	if strings.TrimSpace(c.Site.ListenAddress) == "" {
		missing = append(missing, "SITE_LISTEN_ADDRESS")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return c.Alignment.Validate()
}

// Validate enforces the parameter checks Detection Gating requires before
// accepting a SystemParameters update (SPEC_FULL.md §4.1, Open Question 1:
// validate the incoming values before assigning them anywhere).
func (a AlignmentConfig) Validate() error {
	var bad []string
	if a.FrameWidthPs <= 0 {
		bad = append(bad, "frameWidth")
	}
	if a.SlotWidthPs <= 0 {
		bad = append(bad, "slotWidth")
	}
	if a.PulseWidthPs <= 0 {
		bad = append(bad, "pulseWidth")
	}
	if a.SlotOffsetTestRange <= 0 {
		bad = append(bad, "slotOffsetTestRange")
	}
	if a.Workers <= 0 {
		bad = append(bad, "workers")
	}
	if a.AcceptanceRatio.LessThanOrEqual(decimal.Zero) || a.AcceptanceRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		bad = append(bad, "acceptanceRatio")
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid alignment parameters: %s", strings.Join(bad, ", "))
	}
	return nil
}
