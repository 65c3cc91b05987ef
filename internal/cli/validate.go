package cli

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
)

func newValidateCmd(global *pflag.FlagSet) *cobra.Command {
	var v *viper.Viper
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without running it",
		Long: `Parse and validate a configuration file, then print its scenarios.
Every problem found is listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, v.GetString("config"))
		},
	}

	cmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	cmd.MarkFlagRequired("config")
	v = newViper(global, cmd.Flags())

	return cmd
}

func validateConfig(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := cfg.Validate(); err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(out, "%s is invalid:\n", path)
			for _, e := range verrs.Errors {
				fmt.Fprintf(out, "  ✗ %s\n", e.Error())
			}
			return errFailed
		}
		return err
	}

	fmt.Fprintf(out, "✓ %s is valid: %s\n", path, cfg.Name)
	for _, name := range slices.Sorted(maps.Keys(cfg.Scenarios)) {
		sc := cfg.Scenarios[name]
		d, _ := config.ParseScenarioDuration(sc)
		execCfg, err := executor.ConvertScenarioConfig(name, sc)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		fmt.Fprintf(out, "  %s [%s] %d task(s), %s, up to %d VUs\n",
			name, sc.Executor, len(sc.Tasks), d, executor.CalculateMaxVUs(execCfg))
		for _, task := range sc.Tasks {
			fmt.Fprintf(out, "    %-20s weight %-3d %s %s\n", task.Name, task.Weight, task.Method, task.URL)
		}
	}
	return nil
}
