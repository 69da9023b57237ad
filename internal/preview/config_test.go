package preview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/refresh"
	"github.com/conneroisu/snipbox/internal/sanitizer"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Preview
	cfg.DefaultWidth = "640"
	cfg.AlwaysRemount = true

	p, opts, err := FromConfig(cfg, Options{Sanitizer: sanitizer.New()})
	require.NoError(t, err)
	assert.Equal(t, "allow-scripts", p.Boundary().Sandbox())
	require.Len(t, opts, 1)

	ctrl := refresh.NewController(opts...)
	first, err := p.Render(ctrl, Request{Markup: "<p>x</p>"}, isolation.Always())
	require.NoError(t, err)
	second, err := p.Render(ctrl, Request{Markup: "<p>x</p>"}, isolation.Always())
	require.NoError(t, err)

	assert.Equal(t, isolation.Dimension("640px"), first.Width)
	assert.True(t, second.Mount.Remounted)
	assert.Greater(t, second.Mount.Handle, first.Mount.Handle)
}

func TestFromConfigRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.PreviewConfig)
		code   string
	}{
		{
			name:   "scripts with same origin",
			mutate: func(c *config.PreviewConfig) { c.Sandbox = []string{"allow-scripts", "allow-same-origin"} },
		},
		{
			name:   "bad width",
			mutate: func(c *config.PreviewConfig) { c.DefaultWidth = "wide" },
			code:   errors.ErrCodeInvalidDimension,
		},
		{
			name:   "bad height",
			mutate: func(c *config.PreviewConfig) { c.DefaultHeight = "-3px" },
			code:   errors.ErrCodeInvalidDimension,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Preview
			tt.mutate(&cfg)
			_, _, err := FromConfig(cfg, Options{})
			require.Error(t, err)
			if tt.code != "" {
				e, ok := errors.AsError(err)
				require.True(t, ok)
				assert.Equal(t, tt.code, e.Code)
			}
		})
	}
}
