package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/model"
)

const sample = `
line = "50000"
par  = "1"
hole = "10000"

[vow]
wait = 600
bump = "100"
sump = "500"
dump = "25"

[flap]
beg = "1.05"
ttl = 3600
tau = 7200

[flop]
beg = "1.05"
pad = "1.5"
ttl = 3600
tau = 7200

[end]
wait = 3600

[[ilk]]
name  = "ETH-A"
price = "2500.5"
line  = "50000"
dust  = "15"
mat   = "1.5"
duty  = "1"
chop  = "1.1"
hole  = "5000"
buf   = "1.25"
tail  = 3600
cusp  = "0.5"

  [ilk.decay]
  kind = "exponential"
  cut  = "0.999"
`

func TestDecode(t *testing.T) {
	cfg, err := Decode(sample)
	require.NoError(t, err)

	assert.Equal(t, "50000", cfg.Line.String())
	assert.True(t, cfg.Base.IsZero())
	assert.Equal(t, uint64(600), cfg.Vow.Wait)
	assert.Equal(t, uint64(3600), cfg.End.Wait)
	require.Len(t, cfg.Ilks, 1)

	eth, ok := cfg.Ilk("ETH-A")
	require.True(t, ok)
	assert.Equal(t, "2500.5", eth.Price.String())
	assert.Equal(t, DecayExponential, eth.Decay.Kind)
	assert.Equal(t, "0.999", eth.Decay.Cut.String())

	_, ok = cfg.Ilk(model.Ilk("WBTC-A"))
	assert.False(t, ok)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	_, err := Decode(sample + "\nsurprise = 1\n")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "surprise")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad ilk name", func(c *Config) { c.Ilks[0].Name = "eth" }, model.ErrInvalidIlk},
		{"duplicate ilk", func(c *Config) { c.Ilks[1].Name = c.Ilks[0].Name }, ErrInvalid},
		{"chop below one", func(c *Config) { c.Ilks[0].Chop = d("0.9") }, ErrInvalid},
		{"duty below one", func(c *Config) { c.Ilks[0].Duty = d("0.99") }, ErrInvalid},
		{"negative dust", func(c *Config) { c.Ilks[1].Dust = d("-1") }, ErrInvalid},
		{"unknown decay", func(c *Config) { c.Ilks[0].Decay.Kind = "cliff" }, ErrInvalid},
		{"zero linear tau", func(c *Config) { c.Ilks[1].Decay.Tau = 0 }, ErrInvalid},
		{"cut above one", func(c *Config) { c.Ilks[0].Decay.Cut = d("1.01") }, ErrInvalid},
		{"zero par", func(c *Config) { c.Par = d("0") }, ErrInvalid},
		{"flap beg below one", func(c *Config) { c.Flap.Beg = d("0.5") }, ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestLoad_RoundTrip(t *testing.T) {
	text, err := Default().Encode()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Ilks, 2)
	assert.True(t, cfg.Ilks[0].Duty.Equal(d("1.000000001847694957439350562")))
	assert.Equal(t, DecayLinear, cfg.Ilks[1].Decay.Kind)
	assert.True(t, cfg.Hole.Equal(Default().Hole))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
