package preview

import (
	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/refresh"
)

// FromConfig builds a pipeline from the preview section of the
// configuration. The sandbox policy and default dimensions in cfg override
// those in opts. The returned refresh options are meant for every
// controller the caller creates.
func FromConfig(cfg config.PreviewConfig, opts Options) (*Pipeline, []refresh.Option, error) {
	boundary, err := isolation.NewBoundary(isolation.SandboxPolicy(cfg.Sandbox))
	if err != nil {
		return nil, nil, err
	}
	width, err := isolation.ParseDimension(cfg.DefaultWidth, isolation.DefaultWidth)
	if err != nil {
		return nil, nil, err
	}
	height, err := isolation.ParseDimension(cfg.DefaultHeight, isolation.DefaultHeight)
	if err != nil {
		return nil, nil, err
	}

	opts.Boundary = boundary
	opts.DefaultWidth = width
	opts.DefaultHeight = height

	var refreshOpts []refresh.Option
	if cfg.AlwaysRemount {
		refreshOpts = append(refreshOpts, refresh.WithAlwaysRemount())
	}
	return NewPipeline(opts), refreshOpts, nil
}
