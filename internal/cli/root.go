// Package cli implements the stampede command line.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/logging"
)

var version = "0.1.0"

// envPrefix namespaces environment overrides, e.g. STAMPEDE_USERS.
const envPrefix = "STAMPEDE"

// errFailed makes the command exit non-zero after its output has
// already explained why.
var errFailed = errors.New("load test failed")

// NewRootCmd builds the command tree. Each call returns an independent
// tree with its own flag and environment bindings.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "stampede",
		Short:   "Load test HTTP services with weighted virtual users",
		Version: version,
		Long: `Stampede runs virtual users against an HTTP service. Each user waits,
picks a task by weight and issues its request, while a controller ramps
the number of users and an aggregator rolls outcomes up into live stats.

Without a configuration file it runs the built-in product API scenario:
  stampede serve &
  stampede run --users 20 --spawn-rate 5 --duration 1m`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", logging.DefaultLevel, "Log level: debug, info, warn, error")
	root.PersistentFlags().Bool("log-development", false, "Human-readable development logs")

	root.AddCommand(newRunCmd(root.PersistentFlags()))
	root.AddCommand(newValidateCmd(root.PersistentFlags()))
	root.AddCommand(newServeCmd(root.PersistentFlags()))
	return root
}

// newViper binds flag sets and STAMPEDE_* environment variables. Each
// command gets its own instance so same-named flags do not collide.
func newViper(flagSets ...*pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, fs := range flagSets {
		v.BindPFlags(fs)
	}
	return v
}

// Execute runs the root command. Errors other than a failed load test
// are printed to stderr.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil && !errors.Is(err, errFailed) {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// newLogger builds the logger from the bound log flags.
func newLogger(v *viper.Viper) (*zap.Logger, error) {
	return logging.New(v.GetString("log-level"), v.GetBool("log-development"))
}
