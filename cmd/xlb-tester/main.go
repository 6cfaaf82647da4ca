package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xlb-project/xlb/balancer"
	"github.com/xlb-project/xlb/common/go/logging"
)

////////////////////////////////////////////////////////////////////////////////

var (
	configPath    string
	provisionPath string
)

var rootCmd = &cobra.Command{
	Use:          "xlb-tester",
	Short:        "Exercise the balancer decision path against scenarios and captures",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"", "path to the balancer YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&provisionPath, "provision", "p",
		"", "path to the VIP/real provisioning YAML")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

////////////////////////////////////////////////////////////////////////////////

// setup builds a provisioned balancer instance backed by the in-memory
// map store, shared by every subcommand.
func setup(configPath, provisionPath string) (*balancer.Balancer, *zap.SugaredLogger, error) {
	if provisionPath == "" {
		return nil, nil, fmt.Errorf("provisioning file is required, pass -p")
	}

	cfg := balancer.DefaultConfig()
	if configPath != "" {
		loaded, err := balancer.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	log := logging.Must(&cfg.Logging)

	lb, err := balancer.NewBalancer(cfg, log,
		balancer.WithMapStore(balancer.NewMemoryMapStore(), 0),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create balancer: %w", err)
	}

	provision, err := balancer.LoadProvision(provisionPath)
	if err != nil {
		lb.Close()
		return nil, nil, err
	}
	if err := lb.Provision(provision); err != nil {
		lb.Close()
		return nil, nil, fmt.Errorf("failed to provision: %w", err)
	}

	return lb, log, nil
}
