// Package config loads a deployment description: global risk parameters,
// the surplus and deficit auction houses, settlement and one block per
// collateral type. Amounts are decimal strings in human units
// ("1.13", "500000"); the engine scales them to wad, ray or rad.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/model"
)

// Decay model kinds.
const (
	DecayLinear      = "linear"
	DecayStairstep   = "stairstep"
	DecayExponential = "exponential"
)

var ErrInvalid = errors.New("config: invalid deployment")

// Config is one deployment.
type Config struct {
	Line decimal.Decimal `toml:"line"` // global debt ceiling
	Base decimal.Decimal `toml:"base"` // global per-second fee added to every duty
	Par  decimal.Decimal `toml:"par"`  // reference value of one credit unit
	Hole decimal.Decimal `toml:"hole"` // global limit on debt on auction

	Vow  Vow  `toml:"vow"`
	Flap Flap `toml:"flap"`
	Flop Flop `toml:"flop"`
	End  End  `toml:"end"`

	Ilks []Ilk `toml:"ilk"`
}

// Vow configures the balance sheet.
type Vow struct {
	Wait uint64          `toml:"wait"` // debt queue cooldown [seconds]
	Bump decimal.Decimal `toml:"bump"` // surplus auction lot
	Sump decimal.Decimal `toml:"sump"` // deficit auction bid
	Dump decimal.Decimal `toml:"dump"` // deficit auction starting lot [gov tokens]
	Hump decimal.Decimal `toml:"hump"` // surplus buffer
}

// Flap configures the surplus auction house.
type Flap struct {
	Beg decimal.Decimal `toml:"beg"`
	TTL uint64          `toml:"ttl"`
	Tau uint64          `toml:"tau"`
}

// Flop configures the deficit auction house.
type Flop struct {
	Beg decimal.Decimal `toml:"beg"`
	Pad decimal.Decimal `toml:"pad"`
	TTL uint64          `toml:"ttl"`
	Tau uint64          `toml:"tau"`
}

// End configures settlement.
type End struct {
	Wait uint64 `toml:"wait"` // cooldown between cage and thaw [seconds]
}

// Ilk is one collateral type with its adapter, feed and auction.
type Ilk struct {
	Name  string          `toml:"name"`
	Price decimal.Decimal `toml:"price"` // initial oracle price
	Line  decimal.Decimal `toml:"line"`
	Dust  decimal.Decimal `toml:"dust"`
	Mat   decimal.Decimal `toml:"mat"`  // liquidation ratio
	Duty  decimal.Decimal `toml:"duty"` // per-second stability fee, 1.0 is none
	Chop  decimal.Decimal `toml:"chop"` // liquidation penalty, at least 1.0
	Hole  decimal.Decimal `toml:"hole"`

	Buf  decimal.Decimal `toml:"buf"`
	Tail uint64          `toml:"tail"`
	Cusp decimal.Decimal `toml:"cusp"`
	Chip decimal.Decimal `toml:"chip"`
	Tip  decimal.Decimal `toml:"tip"`

	Decay Decay `toml:"decay"`
}

// Decay selects the auction price curve.
type Decay struct {
	Kind string          `toml:"kind"`
	Tau  uint64          `toml:"tau"`  // linear
	Cut  decimal.Decimal `toml:"cut"`  // stairstep, exponential
	Step uint64          `toml:"step"` // stairstep
}

// Load reads a deployment from a TOML file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses and validates a TOML deployment.
func Decode(data string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode renders cfg as TOML.
func (c *Config) Encode() (string, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", err
	}
	return b.String(), nil
}

var one = decimal.NewFromInt(1)

// Validate checks structure and ranges. Precision limits are checked when
// the engine scales the amounts.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	nonNeg := func(field string, d decimal.Decimal) {
		check(!d.IsNegative(), "%s is negative", field)
	}

	nonNeg("line", c.Line)
	nonNeg("base", c.Base)
	nonNeg("hole", c.Hole)
	check(c.Par.IsPositive(), "par must be positive")
	for field, d := range map[string]decimal.Decimal{
		"vow.bump": c.Vow.Bump, "vow.sump": c.Vow.Sump, "vow.dump": c.Vow.Dump, "vow.hump": c.Vow.Hump,
	} {
		nonNeg(field, d)
	}
	check(c.Flap.Beg.GreaterThanOrEqual(one), "flap.beg below 1.0")
	check(c.Flop.Beg.GreaterThanOrEqual(one), "flop.beg below 1.0")
	check(c.Flop.Pad.GreaterThanOrEqual(one), "flop.pad below 1.0")

	seen := make(map[string]bool, len(c.Ilks))
	for _, ilk := range c.Ilks {
		if _, err := model.ParseIlk(ilk.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		check(!seen[ilk.Name], "duplicate ilk %s", ilk.Name)
		seen[ilk.Name] = true

		for field, d := range map[string]decimal.Decimal{
			"price": ilk.Price, "line": ilk.Line, "dust": ilk.Dust, "hole": ilk.Hole,
			"buf": ilk.Buf, "cusp": ilk.Cusp, "chip": ilk.Chip, "tip": ilk.Tip,
		} {
			nonNeg(ilk.Name+"."+field, d)
		}
		check(ilk.Mat.IsPositive(), "%s.mat must be positive", ilk.Name)
		check(ilk.Duty.GreaterThanOrEqual(one), "%s.duty below 1.0", ilk.Name)
		check(ilk.Chop.GreaterThanOrEqual(one), "%s.chop below 1.0", ilk.Name)
		check(ilk.Cusp.LessThanOrEqual(one), "%s.cusp above 1.0", ilk.Name)

		switch ilk.Decay.Kind {
		case DecayLinear:
			check(ilk.Decay.Tau > 0, "%s.decay.tau must be positive", ilk.Name)
		case DecayStairstep:
			check(ilk.Decay.Step > 0, "%s.decay.step must be positive", ilk.Name)
			check(!ilk.Decay.Cut.IsNegative() && ilk.Decay.Cut.LessThanOrEqual(one), "%s.decay.cut must be within 0..1", ilk.Name)
		case DecayExponential:
			check(!ilk.Decay.Cut.IsNegative() && ilk.Decay.Cut.LessThanOrEqual(one), "%s.decay.cut must be within 0..1", ilk.Name)
		default:
			check(false, "%s.decay.kind %q unknown", ilk.Name, ilk.Decay.Kind)
		}
	}
	return errors.Join(errs...)
}

// Ilk returns the configuration of collateral type name.
func (c *Config) Ilk(name model.Ilk) (Ilk, bool) {
	for _, ilk := range c.Ilks {
		if ilk.Name == string(name) {
			return ilk, true
		}
	}
	return Ilk{}, false
}
