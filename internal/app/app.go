// Package app wires configuration into the services shared by the server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/config"
	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/internal/mux"
	"github.com/RMahshie/ivlab/internal/processing"
	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/internal/repository/memory"
	"github.com/RMahshie/ivlab/internal/repository/postgres"
	"github.com/RMahshie/ivlab/internal/results"
	"github.com/RMahshie/ivlab/internal/storage"
	"github.com/RMahshie/ivlab/pkg/models"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Runs    repository.RunRepository
	Archive storage.Archive
	Biases  *bias.InstructionSet
	Muxes   mux.Instructions
	Service processing.CharacterizationService

	conn *instrument.Connector
}

// New connects the database and archive, loads the instruction files and
// builds the characterization service. An empty database URL keeps runs in
// memory; a missing MUX file disables routing.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.DB = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		a.Runs = postgres.NewPostgresRunRepository(db)
		log.Info().Msg("Connected to database")
	} else {
		a.Runs = memory.NewRunRepository()
		log.Warn().Msg("No DATABASE_URL set, runs are kept in memory")
	}

	archive, err := storage.New(ctx, storage.Config{
		Backend:   cfg.AWS.ArchiveBackend,
		Bucket:    cfg.AWS.S3Bucket,
		Endpoint:  cfg.AWS.S3Endpoint,
		Region:    cfg.AWS.Region,
		AccessKey: cfg.AWS.AccessKeyID,
		SecretKey: cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init result archive: %w", err)
	}
	a.Archive = archive

	a.Biases, err = bias.Load(cfg.Processing.BiasFile)
	if err != nil {
		return nil, err
	}

	a.Muxes, err = mux.Load(cfg.Processing.MuxFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", cfg.Processing.MuxFile).Msg("MUX instructions not found, routing disabled")
		a.Muxes, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	bench, err := BenchConfig(cfg.Bench)
	if err != nil {
		return nil, err
	}
	a.conn = instrument.NewConnector(instrument.ConnectorConfig{
		PrologixPorts: cfg.Bench.PrologixPorts,
		Timeout:       cfg.Bench.Timeout,
	})
	open := func(ctx context.Context) (*instrument.Bench, error) {
		return instrument.OpenBench(ctx, a.conn, bench)
	}

	opts, err := Options(cfg.Processing)
	if err != nil {
		return nil, err
	}
	store := results.NewStore(cfg.Processing.DataDir)
	a.Service = processing.NewCharacterizationService(a.Runs, a.Archive, a.Biases, a.Muxes, store, open, opts)

	ok = true
	return a, nil
}

// Sim returns the simulated bench answering SIM:: addresses.
func (a *App) Sim() *instrument.SimBench {
	return a.conn.Sim()
}

// Close releases the instrument controllers and the database.
func (a *App) Close() error {
	var errs []error
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// BenchConfig resolves instrument addresses and command dialects.
func BenchConfig(c config.BenchConfig) (instrument.BenchConfig, error) {
	smu := func(addr, dialect string) (instrument.SMUConfig, error) {
		d, err := instrument.ParseDialect(dialect)
		if err != nil {
			return instrument.SMUConfig{}, fmt.Errorf("SMU %s: %w", addr, err)
		}
		return instrument.SMUConfig{Address: addr, Dialect: d}, nil
	}

	var (
		out instrument.BenchConfig
		err error
	)
	if out.Drain, err = smu(c.DrainAddr, c.DrainDialect); err != nil {
		return out, err
	}
	if out.Gate, err = smu(c.GateAddr, c.GateDialect); err != nil {
		return out, err
	}
	if out.Bulk, err = smu(c.BulkAddr, c.BulkDialect); err != nil {
		return out, err
	}
	if out.Substrate, err = smu(c.SubAddr, c.SubDialect); err != nil {
		return out, err
	}
	out.MuxDS = c.MuxDSAddr
	out.MuxGS = c.MuxGSAddr
	out.Lakeshore = c.LakeshoreAddr
	return out, nil
}

// Options maps processing settings onto characterization options.
func Options(c config.ProcessingConfig) (processing.Options, error) {
	opts := processing.DefaultOptions()
	if c.DefaultFlavor != "" {
		flavor := models.Flavor(c.DefaultFlavor)
		if flavor.Index() < 0 {
			return opts, fmt.Errorf("DEFAULT_FLAVOR: %w: %s", bias.ErrUnknownFlavor, c.DefaultFlavor)
		}
		opts.DefaultFlavor = flavor
	}
	if c.CurrentCompliance > 0 {
		opts.SMU.CurrentCompliance = c.CurrentCompliance
	}
	if c.VoltageCompliance > 0 {
		opts.SMU.VoltageCompliance = c.VoltageCompliance
	}
	opts.SMU.DisableFrontPanel = c.DisableFrontPanel
	if c.DrainWireMode != 0 {
		opts.DrainWireMode = c.DrainWireMode
	}
	if c.GateWireMode != 0 {
		opts.GateWireMode = c.GateWireMode
	}
	opts.SettleDelay = c.SettleDelay
	opts.LivePlot = c.LivePlot
	if c.SelfHeatingCooling > 0 {
		opts.SelfHeatingCooling = c.SelfHeatingCooling
	}

	opts.Protocol = processing.Protocol{
		BiasLimit:          c.BiasLimit,
		OutputGateMin:      c.OutputMinGate,
		TransferSet2Drains: c.TransferSet2Drains,
	}
	if c.DrainRefine != "" {
		r, err := bias.ParseRefinement(c.DrainRefine)
		if err != nil {
			return opts, fmt.Errorf("DRAIN_REFINE: %w", err)
		}
		opts.Protocol.DrainRefine = &r
	}
	if c.GateLogAfter != "" {
		cp, err := strconv.ParseFloat(strings.TrimSpace(c.GateLogAfter), 64)
		if err != nil {
			return opts, fmt.Errorf("GATE_LOG_AFTER: %w", err)
		}
		opts.Protocol.GateLogAfter = &cp
	}
	return opts, nil
}
