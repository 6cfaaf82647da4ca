package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xlb-project/xlb/balancer"
)

////////////////////////////////////////////////////////////////////////////////

// scenarioFlow is one simulated flow with its expected resolution.
// An empty expect means the flow must not resolve to any backend,
// either because no VIP matches or because the input is malformed.
type scenarioFlow struct {
	Name    string `yaml:"name"`
	Src     string `yaml:"src"`
	Dst     string `yaml:"dst"`
	SrcPort uint16 `yaml:"sport"`
	DstPort uint16 `yaml:"dport"`
	Proto   string `yaml:"proto"`
	QuicCid string `yaml:"quic_cid"`
	Expect  string `yaml:"expect"`
}

type scenarioFile struct {
	Flows []scenarioFlow `yaml:"flows"`
}

var scenarioPath string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Resolve scripted flows through the selection path and check expectations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulate()
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&scenarioPath, "scenario", "s",
		"", "path to the scenario YAML (required)")
	_ = simulateCmd.MarkFlagRequired("scenario")
}

func runSimulate() error {
	lb, log, err := setup(configPath, provisionPath)
	if err != nil {
		return err
	}
	defer lb.Close()

	data, err := os.ReadFile(scenarioPath)
	if err != nil {
		return fmt.Errorf("failed to read scenario file: %w", err)
	}
	var scenario scenarioFile
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	failed := 0
	for i, sf := range scenario.Flows {
		got := resolve(lb, sf)
		if got == sf.Expect {
			continue
		}
		failed++
		log.Errorw("scenario mismatch",
			"case", i, "name", sf.Name,
			"expected", sf.Expect, "got", got)
	}

	total := len(scenario.Flows)
	if failed > 0 {
		return fmt.Errorf("%d of %d scenario flows failed", failed, total)
	}
	log.Infow("scenario passed", "flows", total)
	return nil
}

// resolve runs one scripted flow through the pure simulator. Every
// failure mode collapses to the empty backend, matching the scenario
// encoding.
func resolve(lb *balancer.Balancer, sf scenarioFlow) string {
	proto, err := balancer.ParseProto(sf.Proto)
	if err != nil {
		return ""
	}
	flow, err := balancer.ParseFlow(sf.Src, sf.Dst, sf.SrcPort, sf.DstPort, proto)
	if err != nil {
		return ""
	}
	if sf.QuicCid != "" {
		flow.QuicCid = []byte(sf.QuicCid)
	}

	addr, err := lb.GetRealForFlow(flow)
	if err != nil {
		return ""
	}
	return addr.String()
}
