package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FeeTable is the settlement cost schedule: FX spreads per normalized pair,
// the flat wire price, the consolidation discount rate, and the per-window
// liquidity and per-counterparty exposure caps the solver must honor.
type FeeTable struct {
	WirePrice           decimal.Decimal
	DiscountRate        decimal.Decimal
	DefaultSpreadBps    decimal.Decimal
	SpreadBps           map[string]decimal.Decimal
	DefaultLiquidityCap decimal.Decimal
	LiquidityCaps       map[string]map[string]decimal.Decimal // window -> currency -> cap
	DefaultExposureCap  decimal.Decimal
	ExposureCaps        map[string]decimal.Decimal // counterparty -> cap
}

// feeFile mirrors the on-disk YAML schema. Amounts are strings so the
// schedule keeps exact decimal semantics.
type feeFile struct {
	WireCost                  string            `yaml:"wire_cost"`
	ConsolidationDiscountRate string            `yaml:"consolidation_discount_rate"`
	DefaultSpreadBps          string            `yaml:"default_spread_bps"`
	SpreadBps                 map[string]string `yaml:"spread_bps"`
	LiquidityCaps             struct {
		Default string                       `yaml:"default"`
		Windows map[string]map[string]string `yaml:"windows"`
	} `yaml:"liquidity_caps"`
	ExposureCaps struct {
		Default        string            `yaml:"default"`
		Counterparties map[string]string `yaml:"counterparties"`
	} `yaml:"exposure_caps"`
}

// DefaultFees returns the built-in schedule used when no fees file is
// configured: 2.5 bps EUR/USD, 3.0 bps GBP/USD, 2.0 bps JPY/USD and EUR/GBP,
// 5.0 bps otherwise, a 5.00 wire price and a 15% consolidation discount.
func DefaultFees() *FeeTable {
	return &FeeTable{
		WirePrice:        decimal.RequireFromString("5.00"),
		DiscountRate:     decimal.RequireFromString("0.15"),
		DefaultSpreadBps: decimal.RequireFromString("5.0"),
		SpreadBps: map[string]decimal.Decimal{
			"EUR/USD": decimal.RequireFromString("2.5"),
			"GBP/USD": decimal.RequireFromString("3.0"),
			"JPY/USD": decimal.RequireFromString("2.0"),
			"EUR/GBP": decimal.RequireFromString("2.0"),
		},
		DefaultLiquidityCap: decimal.RequireFromString("50000000.00"),
		LiquidityCaps:       map[string]map[string]decimal.Decimal{},
		DefaultExposureCap:  decimal.RequireFromString("25000000.00"),
		ExposureCaps:        map[string]decimal.Decimal{},
	}
}

// LoadFees parses a fee schedule from a YAML file. Fields left empty fall
// back to the built-in defaults.
func LoadFees(path string) (*FeeTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee schedule %s: %w", path, err)
	}
	var file feeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fee schedule %s: %w", path, err)
	}

	fees := DefaultFees()
	if file.WireCost != "" {
		if fees.WirePrice, err = parseAmount("wire_cost", file.WireCost); err != nil {
			return nil, err
		}
	}
	if file.ConsolidationDiscountRate != "" {
		if fees.DiscountRate, err = parseAmount("consolidation_discount_rate", file.ConsolidationDiscountRate); err != nil {
			return nil, err
		}
	}
	if file.DefaultSpreadBps != "" {
		if fees.DefaultSpreadBps, err = parseAmount("default_spread_bps", file.DefaultSpreadBps); err != nil {
			return nil, err
		}
	}
	if len(file.SpreadBps) > 0 {
		fees.SpreadBps = make(map[string]decimal.Decimal, len(file.SpreadBps))
		for pair, bps := range file.SpreadBps {
			d, err := parseAmount("spread_bps."+pair, bps)
			if err != nil {
				return nil, err
			}
			fees.SpreadBps[pair] = d
		}
	}
	if file.LiquidityCaps.Default != "" {
		if fees.DefaultLiquidityCap, err = parseAmount("liquidity_caps.default", file.LiquidityCaps.Default); err != nil {
			return nil, err
		}
	}
	for window, caps := range file.LiquidityCaps.Windows {
		byCurrency := make(map[string]decimal.Decimal, len(caps))
		for currency, cap := range caps {
			d, err := parseAmount(fmt.Sprintf("liquidity_caps.windows.%s.%s", window, currency), cap)
			if err != nil {
				return nil, err
			}
			byCurrency[currency] = d
		}
		fees.LiquidityCaps[window] = byCurrency
	}
	if file.ExposureCaps.Default != "" {
		if fees.DefaultExposureCap, err = parseAmount("exposure_caps.default", file.ExposureCaps.Default); err != nil {
			return nil, err
		}
	}
	for cp, cap := range file.ExposureCaps.Counterparties {
		d, err := parseAmount("exposure_caps.counterparties."+cp, cap)
		if err != nil {
			return nil, err
		}
		fees.ExposureCaps[cp] = d
	}
	return fees, nil
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q", field, value)
	}
	return d, nil
}

// SpreadFor returns the spread in basis points for a normalized pair.
func (f *FeeTable) SpreadFor(pair string) decimal.Decimal {
	if bps, ok := f.SpreadBps[pair]; ok {
		return bps
	}
	return f.DefaultSpreadBps
}

// LiquidityCap returns the per-batch liquidity cap for one currency within a
// settlement window.
func (f *FeeTable) LiquidityCap(window, currency string) decimal.Decimal {
	if caps, ok := f.LiquidityCaps[window]; ok {
		if cap, ok := caps[currency]; ok {
			return cap
		}
	}
	return f.DefaultLiquidityCap
}

// ExposureCap returns the per-batch exposure cap for one counterparty.
func (f *FeeTable) ExposureCap(counterpartyID string) decimal.Decimal {
	if cap, ok := f.ExposureCaps[counterpartyID]; ok {
		return cap
	}
	return f.DefaultExposureCap
}
