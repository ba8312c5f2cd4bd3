package ops

import (
	"context"
	"fmt"
	"os"

	"github.com/elves/evald/pkg/config"
	"github.com/elves/evald/pkg/env"
)

// StartOptions are the command-line settings of a front end.
type StartOptions struct {
	// Path of the configuration file; empty uses $EVALD_CONFIG or the default
	// path.
	ConfigPath string
	// Forces the in-process mode.
	InProcess bool
}

// Start loads the configuration, creates Ops and activates $EVALD_PROJECT if
// it is set.
func Start(ctx context.Context, opts StartOptions) (*Ops, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.InProcess {
		cfg.Mode = config.ModeInProcess
	}
	c, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := New(c)
	logger.Info().Str("mode", o.Mode()).Bool("history", c.Store != nil).Msg("started")

	if project := os.Getenv(env.EVALD_PROJECT); project != "" {
		r, err := o.Activate(ctx, project)
		if err == nil && r.IsError {
			err = fmt.Errorf("cannot activate $%s: %s", env.EVALD_PROJECT, r.Text)
		}
		if err != nil {
			o.Close()
			return nil, err
		}
	}
	return o, nil
}
