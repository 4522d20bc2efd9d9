// Package cli implements the statehistory command-line tool for inspecting
// and repairing state history logs on disk.
package cli

import (
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pandulaDW/state-history-log/internal/config"
	"github.com/pandulaDW/state-history-log/internal/log"
	"github.com/pandulaDW/state-history-log/internal/metrics"
)

var errNoConfig = errors.New("--config is required")

type options struct {
	configPath  string
	verbose     bool
	showMetrics bool

	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.StorageMetrics
}

// NewRoot constructs the root command and registers every subcommand.
func NewRoot() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "statehistory",
		Short: "Inspect and repair state history logs",
		Long: `statehistory works on the block-indexed log files written by a state
history node: the active <name>.log/<name>.index pair and the retained
<name>-<first>-<last>.log pairs kept by the catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			_ = o.logger.Sync()
			if !o.showMetrics {
				return nil
			}
			return o.writeMetrics(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to the YAML configuration")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().BoolVar(&o.showMetrics, "metrics", false, "print storage metrics to stderr when done")

	root.AddCommand(newInspectCommand(o))
	root.AddCommand(newReadCommand(o))
	root.AddCommand(newReindexCommand(o))
	root.AddCommand(newCatalogCommand(o))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRoot().Execute()
}

func (o *options) setup() error {
	o.registry = prometheus.NewRegistry()
	o.metrics = metrics.NewStorageMetrics(o.registry)
	return o.setupLogger()
}

func (o *options) setupLogger() error {
	var err error
	if o.verbose {
		o.logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		o.logger, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	o.logger = o.logger.Named("statehistory")
	return nil
}

// loadConfig reads the file named by --config and attaches the command logger.
func (o *options) loadConfig() (log.Config, error) {
	if o.configPath == "" {
		return log.Config{}, errNoConfig
	}
	c, err := config.Load(o.configPath)
	if err != nil {
		return log.Config{}, err
	}
	c.Logger = o.logger
	c.Observer = o.metrics
	return c, nil
}

// logConfig is the configuration used for a pair opened by path.
func (o *options) logConfig() log.Config {
	return log.Config{Logger: o.logger, Observer: o.metrics}
}

func (o *options) writeMetrics(w io.Writer) error {
	families, err := o.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
