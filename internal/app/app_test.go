package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/config"
	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/internal/processing"
	"github.com/RMahshie/ivlab/pkg/models"
)

const biases = `{
  "NMOS": {
    "Primary sweep: Vgs Set 1": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[0.1], [0.1], [0.1]],
      "Vgate_source": [[0, 1], [0, 1], [0, 1.0, 2.0]]
    },
    "Primary sweep: Vgs Set 2": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[1.0], [1.0], [1.0]],
      "Vgate_source": [[0, 1], [0, 1], [0, 1.0, 2.0]]
    },
    "Primary sweep: Vds": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[0, 1], [0, 1], [0, 1.0, 2.0]],
      "Vgate_source": [[1], [1], [2.0]]
    }
  }
}`

func simConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	biasFile := filepath.Join(dir, "bias.json")
	require.NoError(t, os.WriteFile(biasFile, []byte(biases), 0o644))

	return &config.Config{
		AWS: config.AWSConfig{ArchiveBackend: "none"},
		Bench: config.BenchConfig{
			DrainAddr: "SIM::drain",
			GateAddr:  "SIM::gate",
			BulkAddr:  "SIM::bulk",
			SubAddr:   "SIM::sub",
		},
		Processing: config.ProcessingConfig{
			DataDir:       filepath.Join(dir, "Data"),
			BiasFile:      biasFile,
			MuxFile:       filepath.Join(dir, "missing.json"),
			DefaultFlavor: "HV",
		},
	}
}

func TestNew_SimulatedBenchWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, simConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Archive)
	assert.Nil(t, a.Muxes, "missing MUX file disables routing")
	require.NotNil(t, a.Service)

	run, err := a.Service.Run(ctx, processing.StartRequest{TransistorKey: "nmos25_FET3"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)
	assert.Equal(t, 100, run.Progress)

	stored, err := a.Runs.GetByID(ctx, uuid.MustParse(run.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	for _, name := range []string{"drain", "gate", "bulk", "sub"} {
		assert.Zero(t, a.Sim().Level(name), name)
	}
}

func TestNew_MissingBiasFile(t *testing.T) {
	cfg := simConfig(t)
	cfg.Processing.BiasFile = filepath.Join(t.TempDir(), "nope.json")

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBenchConfig(t *testing.T) {
	got, err := BenchConfig(config.BenchConfig{
		DrainAddr:     "GPIB1::24::INSTR",
		GateAddr:      "GPIB1::25::INSTR",
		BulkAddr:      "GPIB1::23::INSTR",
		SubAddr:       "GPIB1::22::INSTR",
		SubDialect:    "non-scpi",
		MuxDSAddr:     "GPIB0::7::INSTR",
		LakeshoreAddr: "GPIB0::12::INSTR",
	})
	require.NoError(t, err)

	assert.Equal(t, instrument.DialectSCPI, got.Drain.Dialect)
	assert.Equal(t, instrument.DialectLegacy, got.Substrate.Dialect)
	assert.Equal(t, "GPIB1::22::INSTR", got.Substrate.Address)
	assert.Equal(t, "GPIB0::7::INSTR", got.MuxDS)
	assert.Empty(t, got.MuxGS)
	assert.Equal(t, "GPIB0::12::INSTR", got.Lakeshore)

	_, err = BenchConfig(config.BenchConfig{GateDialect: "hpib"})
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	opts, err := Options(config.ProcessingConfig{
		DefaultFlavor:     "LV",
		CurrentCompliance: 0.05,
		DrainWireMode:     2,
		LivePlot:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.LV, opts.DefaultFlavor)
	assert.Equal(t, 0.05, opts.SMU.CurrentCompliance)
	assert.Equal(t, 27.0, opts.SMU.VoltageCompliance)
	assert.Equal(t, 2, opts.DrainWireMode)
	assert.Equal(t, 2, opts.GateWireMode)
	assert.True(t, opts.LivePlot)
	assert.Equal(t, processing.DefaultOptions().SelfHeatingCooling, opts.SelfHeatingCooling)

	assert.Equal(t, processing.Protocol{}, opts.Protocol)

	_, err = Options(config.ProcessingConfig{DefaultFlavor: "XV"})
	assert.ErrorIs(t, err, bias.ErrUnknownFlavor)
}

func TestOptions_Protocol(t *testing.T) {
	opts, err := Options(config.ProcessingConfig{
		BiasLimit:          25,
		OutputMinGate:      20.5,
		TransferSet2Drains: []float64{0.1, 25},
		DrainRefine:        "0:1:4",
		GateLogAfter:       " 0.1 ",
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, opts.Protocol.BiasLimit)
	assert.Equal(t, 20.5, opts.Protocol.OutputGateMin)
	assert.Equal(t, []float64{0.1, 25}, opts.Protocol.TransferSet2Drains)
	require.NotNil(t, opts.Protocol.DrainRefine)
	assert.Equal(t, bias.Refinement{Start: 0, Stop: 1, Points: 4}, *opts.Protocol.DrainRefine)
	require.NotNil(t, opts.Protocol.GateLogAfter)
	assert.Equal(t, 0.1, *opts.Protocol.GateLogAfter)

	_, err = Options(config.ProcessingConfig{DrainRefine: "0:1"})
	assert.ErrorContains(t, err, "DRAIN_REFINE")

	_, err = Options(config.ProcessingConfig{GateLogAfter: "low"})
	assert.ErrorContains(t, err, "GATE_LOG_AFTER")
}
