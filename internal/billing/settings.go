package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payer routes an invoice to the client or to a funding authority.
type Payer string

const (
	PayerPrivate   Payer = "private"
	PayerAuthority Payer = "authority"
)

// TimeBasis selects planned or actual visit times for billed duration.
type TimeBasis string

const (
	TimeBasisPlanned TimeBasis = "planned"
	TimeBasisActual  TimeBasis = "actual"
)

// Defaults applied when a settings block is absent or silent.
const (
	DefaultCreditPeriodDays = 30
	authorityFundedPayer    = "authority_funded"
)

// DefaultVATRate is applied to VAT-applicable lines when no rate is configured.
var DefaultVATRate = decimal.NewFromFloat(0.20)

// BillingConfig is the effective per-client billing behaviour for one run.
type BillingConfig struct {
	Payer              Payer
	TimeBasis          TimeBasis
	CreditPeriodDays   int
	ExtraTimeEnabled   bool
	AuthorityID        *uuid.UUID
	AuthorityReference string
	VATRate            decimal.Decimal
}

// UseActualTime reports whether actual visit times drive billed duration.
func (c BillingConfig) UseActualTime() bool {
	return c.TimeBasis == TimeBasisActual
}

// GeneralSettings is the client's general billing record.
type GeneralSettings struct {
	ServicePayer string
	VATRate      *decimal.Decimal
}

// PrivateSettings is the client's private-pay billing record.
type PrivateSettings struct {
	UseActualTime    *bool
	CreditPeriodDays *int
	ChargeExtraTime  *bool
}

// AuthoritySettings is the client's authority-pay billing record.
type AuthoritySettings struct {
	AuthorityID      *uuid.UUID
	Reference        string
	UseActualTime    *bool
	ChargeExtraTime  *bool
	CreditPeriodDays *int
}

// ResolveConfig merges the three optional settings records into one config.
//
// The payer route comes from general settings. Time basis and the extra-time
// flag come from the block matching that route. The credit period is always
// read from the private block, even for authority-funded clients.
func ResolveConfig(general *GeneralSettings, private *PrivateSettings, authority *AuthoritySettings) BillingConfig {
	cfg := BillingConfig{
		Payer:            PayerPrivate,
		TimeBasis:        TimeBasisPlanned,
		CreditPeriodDays: DefaultCreditPeriodDays,
		VATRate:          DefaultVATRate,
	}
	if general != nil {
		if isAuthorityFunded(general.ServicePayer) {
			cfg.Payer = PayerAuthority
		}
		if general.VATRate != nil && !general.VATRate.IsNegative() {
			cfg.VATRate = *general.VATRate
		}
	}

	var useActual, extraTime *bool
	switch cfg.Payer {
	case PayerAuthority:
		if authority != nil {
			useActual = authority.UseActualTime
			extraTime = authority.ChargeExtraTime
			cfg.AuthorityID = authority.AuthorityID
			cfg.AuthorityReference = authority.Reference
		}
	default:
		if private != nil {
			useActual = private.UseActualTime
			extraTime = private.ChargeExtraTime
		}
	}
	if useActual != nil && *useActual {
		cfg.TimeBasis = TimeBasisActual
	}
	if extraTime != nil {
		cfg.ExtraTimeEnabled = *extraTime
	}

	if private != nil && private.CreditPeriodDays != nil && *private.CreditPeriodDays >= 0 {
		cfg.CreditPeriodDays = *private.CreditPeriodDays
	}
	return cfg
}

func isAuthorityFunded(payer string) bool {
	key := strings.ToLower(strings.TrimSpace(payer))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	return key == authorityFundedPayer
}

// SettingsSource loads the three settings records. A nil record with a nil
// error means the record does not exist.
type SettingsSource interface {
	GeneralSettings(ctx context.Context, clientID uuid.UUID) (*GeneralSettings, error)
	PrivateSettings(ctx context.Context, clientID uuid.UUID) (*PrivateSettings, error)
	AuthoritySettings(ctx context.Context, clientID uuid.UUID) (*AuthoritySettings, error)
}

// ConfigResolver produces a fresh BillingConfig per call.
type ConfigResolver struct {
	source SettingsSource
}

// NewConfigResolver constructs the resolver.
func NewConfigResolver(source SettingsSource) *ConfigResolver {
	return &ConfigResolver{source: source}
}

// Resolve loads the general, private and authority records for a client one
// after another and merges them. The first failing load aborts the rest.
func (r *ConfigResolver) Resolve(ctx context.Context, clientID uuid.UUID) (BillingConfig, error) {
	general, err := r.source.GeneralSettings(ctx, clientID)
	if err != nil {
		return BillingConfig{}, fmt.Errorf("resolve billing config: general settings: %w", err)
	}
	private, err := r.source.PrivateSettings(ctx, clientID)
	if err != nil {
		return BillingConfig{}, fmt.Errorf("resolve billing config: private settings: %w", err)
	}
	authority, err := r.source.AuthoritySettings(ctx, clientID)
	if err != nil {
		return BillingConfig{}, fmt.Errorf("resolve billing config: authority settings: %w", err)
	}
	return ResolveConfig(general, private, authority), nil
}
