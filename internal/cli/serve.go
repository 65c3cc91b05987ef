package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/stampede/internal/testserver"
)

func newServeCmd(global *pflag.FlagSet) *cobra.Command {
	var v *viper.Viper
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bundled product API",
		Long: `Serve an in-memory product API to run the built-in scenario against:

  GET/POST          /products
  GET/PUT/PATCH/DELETE /products/{id}
  GET               /health
  GET               /metrics

Latency and error injection simulate a struggling service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveProducts(cmd, v)
		},
	}

	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cmd.Flags().Int("products", testserver.DefaultProducts, "Number of seeded products")
	cmd.Flags().Duration("latency", 0, "Latency added to every product request")
	cmd.Flags().Float64("error-rate", 0, "Fraction of product requests answered with a 500")
	cmd.Flags().Int64("seed", 0, "Seed for error injection (0 is random)")
	v = newViper(global, cmd.Flags())

	return cmd
}

func serveProducts(cmd *cobra.Command, v *viper.Viper) error {
	errorRate := v.GetFloat64("error-rate")
	if errorRate < 0 || errorRate > 1 {
		return fmt.Errorf("--error-rate must be between 0 and 1, got %g", errorRate)
	}
	if v.GetDuration("latency") < 0 {
		return fmt.Errorf("--latency cannot be negative")
	}

	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	defer logger.Sync()

	products := v.GetInt("products")
	if products == 0 {
		products = -1
	}
	srv := testserver.New(testserver.Options{
		Products:  products,
		Latency:   v.GetDuration("latency"),
		ErrorRate: errorRate,
		Seed:      v.GetInt64("seed"),
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return srv.ListenAndServe(ctx, v.GetString("listen"), func(addr net.Addr) {
		fmt.Fprintf(out, "Serving product API on http://%s (%d products)\n", addr, srv.Len())
	})
}
