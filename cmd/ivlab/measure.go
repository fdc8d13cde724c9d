package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RMahshie/ivlab/internal/app"
	"github.com/RMahshie/ivlab/internal/config"
	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/internal/processing"
	"github.com/RMahshie/ivlab/pkg/models"
)

var (
	measureFlavor      string
	measureSelfHeating bool
	measureSim         bool
	measureNoDB        bool
	measureLabProtocol bool
)

var measureCmd = &cobra.Command{
	Use:   "measure <transistor>",
	Short: "Characterize one transistor",
	Long: `Route the multiplexers to a transistor, run both transfer sets and the
output characteristic, and write CSVs and plots under DATA_DIR.

Interrupting the command stops the sweep, keeps the points taken so far and
turns every output off.`,
	Example: `  ivlab measure nmos25_FET3
  ivlab measure pmos5_FET1 --flavor MV --self-heating
  ivlab measure nmos25_FET3 --sim --no-db
  ivlab measure nmos25_FET3 --lab-protocol`,
	Args: cobra.ExactArgs(1),
	RunE: runMeasure,
}

func init() {
	measureCmd.Flags().StringVar(&measureFlavor, "flavor", "", "Device flavor LV, MV or HV (default: derived from the key)")
	measureCmd.Flags().BoolVar(&measureSelfHeating, "self-heating", false, "Add the paused self-heating series")
	measureCmd.Flags().BoolVar(&measureSim, "sim", false, "Use the simulated bench instead of real instruments")
	measureCmd.Flags().BoolVar(&measureNoDB, "no-db", false, "Keep run records in memory")
	measureCmd.Flags().BoolVar(&measureLabProtocol, "lab-protocol", false, "Output sweeps above 20.5 V gate and transfer set 2 at 0.1 V and 25 V only")
}

func runMeasure(cmd *cobra.Command, args []string) error {
	key := args[0]
	if measureSim {
		useSimulator(&cfg.Bench)
	}
	if measureNoDB {
		cfg.Database.URL = ""
	}
	if measureLabProtocol {
		useLabProtocol(&cfg.Processing)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if measureSim {
		if pol, ok := models.PolarityFromKey(key); ok {
			a.Sim().SetDevice(instrument.DefaultSimDevice(pol))
		}
	}

	run, err := a.Service.Run(ctx, processing.StartRequest{
		TransistorKey: key,
		Flavor:        models.Flavor(strings.ToUpper(measureFlavor)),
		SelfHeating:   measureSelfHeating,
	})
	if ctx.Err() != nil {
		log.Warn().Msg("Interrupted, turning the bench off")
		if offErr := a.Service.Off(context.WithoutCancel(ctx)); offErr != nil {
			log.Error().Err(offErr).Msg("Safe shutdown failed")
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s %s\nresults in %s\n", run.ID, run.Status, run.DataDir)
	return nil
}

// useSimulator points every instrument at the in-process bench.
func useSimulator(b *config.BenchConfig) {
	b.DrainAddr = "SIM::" + instrument.SimDrain
	b.GateAddr = "SIM::" + instrument.SimGate
	b.BulkAddr = "SIM::" + instrument.SimBulk
	b.SubAddr = "SIM::" + instrument.SimSubstrate
	b.MuxDSAddr = "SIM::" + instrument.SimMuxDS
	b.MuxGSAddr = "SIM::" + instrument.SimMuxGS
	b.LakeshoreAddr = "SIM::" + instrument.SimLakeshore
	b.DrainDialect, b.GateDialect, b.BulkDialect, b.SubDialect = "scpi", "scpi", "scpi", "scpi"
}

// useLabProtocol selects the bench's historical subset of biases.
func useLabProtocol(p *config.ProcessingConfig) {
	lab := processing.LabProtocol()
	p.OutputMinGate = lab.OutputGateMin
	p.TransferSet2Drains = lab.TransferSet2Drains
}
