package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RMahshie/ivlab/internal/app"
)

var offSim bool

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Zero and disable every SMU output and open all MUX channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if offSim {
			useSimulator(&cfg.Bench)
		}
		cfg.Database.URL = ""

		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service.Off(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "bench off")
		return nil
	},
}

func init() {
	offCmd.Flags().BoolVar(&offSim, "sim", false, "Use the simulated bench instead of real instruments")
}
