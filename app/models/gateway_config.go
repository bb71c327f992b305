package models

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	GatewayKindCard     = "card"
	GatewayKindRedirect = "redirect"

	GatewayModeTest = "test"
	GatewayModeLive = "live"
)

// Fee is a per-currency processing fee: amount*Percent/100 + Fixed.
type Fee struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   decimal.Decimal `json:"fixed"`
}

// GatewayConfig is an admin-managed payment provider configuration.
// CredentialsEnc holds the sealed credential bundle and is never rendered.
type GatewayConfig struct {
	ID                  uint                               `gorm:"primaryKey" json:"id"`
	Name                string                             `gorm:"type:varchar(100);not null" json:"name" validate:"required,max=100"`
	Slug                string                             `gorm:"type:varchar(50);not null;uniqueIndex" json:"slug" validate:"required,max=50"`
	Kind                string                             `gorm:"type:varchar(16);not null" json:"kind" validate:"oneof=card redirect"`
	Provider            string                             `gorm:"type:varchar(32);not null" json:"provider" validate:"required,max=32"`
	Mode                string                             `gorm:"type:varchar(8);not null;default:'test'" json:"mode" validate:"oneof=test live"`
	CredentialsEnc      string                             `gorm:"type:text" json:"-"`
	Priority            int                                `gorm:"not null;default:100" json:"priority"`
	IsActive            bool                               `gorm:"default:false;index" json:"is_active"`
	IsDefault           bool                               `gorm:"default:false;index" json:"is_default"`
	SupportedCurrencies datatypes.JSONSlice[string]        `gorm:"type:json" json:"supported_currencies"`
	SupportedCountries  datatypes.JSONSlice[string]        `gorm:"type:json" json:"supported_countries"`
	Fees                datatypes.JSONType[map[string]Fee] `gorm:"type:json" json:"fees"`
	CreatedAt           time.Time                          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt           gorm.DeletedAt                     `gorm:"index" json:"-"`
}

// SupportsCurrency treats an empty set as "any currency".
func (g *GatewayConfig) SupportsCurrency(currency string) bool {
	return containsFold(g.SupportedCurrencies, currency)
}

// SupportsCountry treats an empty set as "any country".
func (g *GatewayConfig) SupportsCountry(country string) bool {
	if country == "" {
		return true
	}
	return containsFold(g.SupportedCountries, country)
}

// FeeFor returns the processing fee for amount, rounded to 2 decimals.
// Currencies without a fee entry cost nothing.
func (g *GatewayConfig) FeeFor(currency string, amount decimal.Decimal) decimal.Decimal {
	fees := g.Fees.Data()
	fee, ok := fees[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero
	}
	return amount.Mul(fee.Percent).Div(decimal.NewFromInt(100)).Add(fee.Fixed).Round(2)
}

func (g *GatewayConfig) IsDeleted() bool {
	return g.DeletedAt.Valid
}

func containsFold(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	return slices.ContainsFunc(set, func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), v)
	})
}
