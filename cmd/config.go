package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/workload"
)

var printWorkload bool

// configCmd prints the default scheduler config (or workload spec) as YAML,
// a starting point for --config and --workload files.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the default configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		var v any = sim.DefaultConfig()
		if printWorkload {
			v = workload.DefaultSpec()
		}
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			logrus.Fatalf("Failed to encode config: %v", err)
		}
		if err := encoder.Close(); err != nil {
			logrus.Fatalf("Failed to encode config: %v", err)
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&printWorkload, "workload", false, "Print the default workload spec instead")
}
