package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskforge/core/config"
)

type testConfig struct {
	Name    string        `env:"CONFIGTEST_NAME" envDefault:"fallback"`
	Workers int           `env:"CONFIGTEST_WORKERS" envDefault:"4"`
	Tick    time.Duration `env:"CONFIGTEST_TICK" envDefault:"250ms"`
}

type otherConfig struct {
	Endpoint string `env:"CONFIGTEST_ENDPOINT" envDefault:"localhost:9000"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config.Reset()

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "fallback", cfg.Name)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, 250*time.Millisecond, cfg.Tick)
	})

	t.Run("env overrides", func(t *testing.T) {
		config.Reset()
		t.Setenv("CONFIGTEST_NAME", "from-env")
		t.Setenv("CONFIGTEST_WORKERS", "16")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "from-env", cfg.Name)
		assert.Equal(t, 16, cfg.Workers)
	})

	t.Run("second load is cached", func(t *testing.T) {
		config.Reset()
		t.Setenv("CONFIGTEST_WORKERS", "8")

		var first testConfig
		require.NoError(t, config.Load(&first))
		require.Equal(t, 8, first.Workers)

		// Environment changes after the first load are not observed.
		t.Setenv("CONFIGTEST_WORKERS", "99")
		var second testConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, 8, second.Workers)
	})

	t.Run("cache is per type", func(t *testing.T) {
		config.Reset()

		var a testConfig
		require.NoError(t, config.Load(&a))
		var b otherConfig
		require.NoError(t, config.Load(&b))
		assert.Equal(t, "localhost:9000", b.Endpoint)
	})

	t.Run("nil target", func(t *testing.T) {
		assert.ErrorIs(t, config.Load[testConfig](nil), config.ErrNilConfig)
	})

	t.Run("parse failure", func(t *testing.T) {
		config.Reset()
		t.Setenv("CONFIGTEST_WORKERS", "not-a-number")

		var cfg testConfig
		assert.Error(t, config.Load(&cfg))
	})
}

func TestMustLoadPanics(t *testing.T) {
	config.Reset()
	t.Setenv("CONFIGTEST_TICK", "bogus")

	assert.Panics(t, func() {
		var cfg testConfig
		config.MustLoad(&cfg)
	})
}
