package config

import "github.com/shopspring/decimal"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default is the built-in deployment: two collateral types, one on a
// stairstep curve and one on a linear curve.
func Default() *Config {
	return &Config{
		Line: d("1000000"),
		Base: d("0"),
		Par:  d("1"),
		Hole: d("100000"),
		Vow: Vow{
			Wait: 4 * 24 * 3600,
			Bump: d("10000"),
			Sump: d("50000"),
			Dump: d("250"),
			Hump: d("500000"),
		},
		Flap: Flap{Beg: d("1.04"), TTL: 30 * 60, Tau: 2 * 24 * 3600},
		Flop: Flop{Beg: d("1.05"), Pad: d("1.2"), TTL: 6 * 3600, Tau: 3 * 24 * 3600},
		End:  End{Wait: 24 * 3600},
		Ilks: []Ilk{
			{
				Name:  "ETH-A",
				Price: d("2000"),
				Line:  d("600000"),
				Dust:  d("100"),
				Mat:   d("1.5"),
				Duty:  d("1.000000001847694957439350562"), // ~6% a year
				Chop:  d("1.13"),
				Hole:  d("60000"),
				Buf:   d("1.2"),
				Tail:  8400,
				Cusp:  d("0.4"),
				Chip:  d("0.001"),
				Tip:   d("300"),
				Decay: Decay{Kind: DecayStairstep, Cut: d("0.99"), Step: 90},
			},
			{
				Name:  "WBTC-A",
				Price: d("40000"),
				Line:  d("400000"),
				Dust:  d("100"),
				Mat:   d("1.45"),
				Duty:  d("1.000000000627937192491029810"), // ~2% a year
				Chop:  d("1.13"),
				Hole:  d("40000"),
				Buf:   d("1.2"),
				Tail:  7200,
				Cusp:  d("0.45"),
				Chip:  d("0.001"),
				Tip:   d("300"),
				Decay: Decay{Kind: DecayLinear, Tau: 7200},
			},
		},
	}
}
