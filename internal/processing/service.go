package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/internal/mux"
	"github.com/RMahshie/ivlab/internal/plot"
	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/internal/results"
	"github.com/RMahshie/ivlab/internal/storage"
	"github.com/RMahshie/ivlab/internal/sweep"
	"github.com/RMahshie/ivlab/pkg/models"
)

var (
	// ErrBenchBusy is returned when another run owns the bench.
	ErrBenchBusy = errors.New("bench is busy with another run")
	// ErrInvalidTransistor is returned for keys without an nmos/pmos marker.
	ErrInvalidTransistor = errors.New("transistor key must contain nmos or pmos")
	// ErrUnknownTransistor is returned for keys missing from the MUX instructions.
	ErrUnknownTransistor = errors.New("transistor not in MUX instructions")
)

// LiveDir is the subdirectory of a run's data directory holding live plot snapshots.
const LiveDir = "live"

// substrateCurrentRange pins the substrate SMU to its 10 mA range.
const substrateCurrentRange = 0.01

// StartRequest selects the transistor of a new run.
type StartRequest struct {
	TransistorKey string
	// Flavor overrides the class derived from the key when set.
	Flavor      models.Flavor
	SelfHeating bool
}

// CharacterizationService runs characterizations on the bench
type CharacterizationService interface {
	// Start claims the bench, records a pending run and characterizes it in the background.
	Start(ctx context.Context, req StartRequest) (*models.Run, error)
	// Run claims the bench and characterizes one transistor before returning.
	Run(ctx context.Context, req StartRequest) (*models.Run, error)
	// Off cancels the active run, then turns every output off and opens all MUX channels.
	Off(ctx context.Context) error
}

// BenchOpener opens the instrument sessions of one run.
type BenchOpener func(ctx context.Context) (*instrument.Bench, error)

// Options tune a characterization.
type Options struct {
	DefaultFlavor models.Flavor
	// SMU carries the compliance and front panel settings shared by all SMUs.
	SMU                instrument.ConfigureOptions
	DrainWireMode      int
	GateWireMode       int
	SettleDelay        time.Duration
	LivePlot           bool
	SelfHeatingCooling time.Duration
	Protocol           Protocol
	// Sleep replaces real waits when set.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the bench defaults: 4-wire drain, 2-wire elsewhere,
// no settle delay and two minutes of cooling between self-heating points.
func DefaultOptions() Options {
	return Options{
		DefaultFlavor:      models.HV,
		SMU:                instrument.DefaultConfigureOptions(),
		DrainWireMode:      4,
		GateWireMode:       2,
		SelfHeatingCooling: 2 * time.Minute,
	}
}

type characterizationService struct {
	repo    repository.RunRepository
	archive storage.Archive
	biases  *bias.InstructionSet
	muxes   mux.Instructions
	store   *results.Store
	open    BenchOpener
	opts    Options

	bench sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCharacterizationService creates the service. archive and muxes may be nil.
func NewCharacterizationService(
	repo repository.RunRepository,
	archive storage.Archive,
	biases *bias.InstructionSet,
	muxes mux.Instructions,
	store *results.Store,
	open BenchOpener,
	opts Options,
) CharacterizationService {
	if opts.DefaultFlavor == "" {
		opts.DefaultFlavor = models.HV
	}
	return &characterizationService{
		repo:    repo,
		archive: archive,
		biases:  biases,
		muxes:   muxes,
		store:   store,
		open:    open,
		opts:    opts,
	}
}

func (s *characterizationService) Start(ctx context.Context, req StartRequest) (*models.Run, error) {
	if !s.bench.TryLock() {
		return nil, ErrBenchBusy
	}
	run, err := s.create(ctx, req)
	if err != nil {
		s.bench.Unlock()
		return nil, err
	}

	runCtx := s.track(context.WithoutCancel(ctx))
	go func() {
		defer s.bench.Unlock()
		defer s.untrack()
		if err := s.execute(runCtx, run); err != nil {
			log.Error().Err(err).Str("runID", run.ID).Msg("Characterization failed")
		}
	}()
	return run, nil
}

func (s *characterizationService) Run(ctx context.Context, req StartRequest) (*models.Run, error) {
	if !s.bench.TryLock() {
		return nil, ErrBenchBusy
	}
	defer s.bench.Unlock()

	run, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx := s.track(ctx)
	defer s.untrack()
	err = s.execute(runCtx, run)
	if stored, gerr := s.repo.GetByID(context.WithoutCancel(ctx), uuid.MustParse(run.ID)); gerr == nil {
		run = stored
	}
	return run, err
}

func (s *characterizationService) Off(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		log.Warn().Msg("Cancelling active run for safe shutdown")
		s.cancel()
	}
	s.mu.Unlock()

	s.bench.Lock()
	defer s.bench.Unlock()

	bench, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("open bench: %w", err)
	}
	defer bench.Close()
	return bench.Off(ctx)
}

func (s *characterizationService) track(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx
}

func (s *characterizationService) untrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// create validates the request and records a pending run
func (s *characterizationService) create(ctx context.Context, req StartRequest) (*models.Run, error) {
	pol, ok := models.PolarityFromKey(req.TransistorKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransistor, req.TransistorKey)
	}
	flavor := req.Flavor
	if flavor == "" {
		flavor = models.FlavorFromKey(req.TransistorKey, s.opts.DefaultFlavor)
	}
	if flavor.Index() < 0 {
		return nil, fmt.Errorf("%w: %q", bias.ErrUnknownFlavor, flavor)
	}
	if s.muxes != nil {
		if _, ok := s.muxes[req.TransistorKey]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransistor, req.TransistorKey)
		}
	}

	now := time.Now()
	run := &models.Run{
		ID:            uuid.New().String(),
		TransistorKey: req.TransistorKey,
		Polarity:      pol,
		Flavor:        flavor,
		SelfHeating:   req.SelfHeating,
		Status:        models.StatusPending,
		DataDir:       s.store.Dir(flavor, req.TransistorKey),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	log.Info().
		Str("runID", run.ID).
		Str("transistor", run.TransistorKey).
		Str("polarity", string(pol)).
		Str("flavor", string(flavor)).
		Msg("Run created")
	return run, nil
}

// execute characterizes one transistor and records the outcome on the run
func (s *characterizationService) execute(ctx context.Context, run *models.Run) error {
	id := uuid.MustParse(run.ID)
	start := time.Now()

	err := s.characterize(ctx, id, run)
	if err != nil {
		msg := fmt.Sprintf("Characterization failed: %v", err)
		if uerr := s.repo.UpdateError(context.WithoutCancel(ctx), id, msg); uerr != nil {
			log.Error().Err(uerr).Str("runID", run.ID).Msg("Failed to record run error")
		}
		return err
	}

	if err := s.repo.UpdateStatus(ctx, id, models.StatusCompleted, 100); err != nil {
		return err
	}
	log.Info().
		Str("runID", run.ID).
		Str("transistor", run.TransistorKey).
		Dur("elapsed", time.Since(start)).
		Msg("Transistor characterization completed")
	return nil
}

func (s *characterizationService) characterize(ctx context.Context, id uuid.UUID, run *models.Run) error {
	if err := s.repo.UpdateStatus(ctx, id, models.StatusRunning, 5); err != nil {
		return err
	}

	plan, err := s.plan(run)
	if err != nil {
		return err
	}

	bench, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("open bench: %w", err)
	}
	defer bench.Close()
	// Every terminal ends at 0 V, also when a sweep fails or the run is cancelled.
	defer bench.Zero(context.WithoutCancel(ctx))

	if s.muxes != nil {
		router := mux.NewRouter(switchOrNil(bench.MuxDS), switchOrNil(bench.MuxGS))
		closed, err := router.Route(ctx, s.muxes[run.TransistorKey])
		if err != nil {
			return fmt.Errorf("route multiplexers: %w", err)
		}
		log.Info().Str("transistor", run.TransistorKey).Int("channels", closed).Msg("Multiplexers routed")
	}

	if err := s.configure(ctx, bench); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, id, models.StatusRunning, 10); err != nil {
		return err
	}

	inst := sweep.Instruments{
		Drain:     bench.Drain,
		Gate:      bench.Gate,
		Bulk:      bench.Bulk,
		Substrate: bench.Substrate,
	}
	if bench.Thermometer != nil {
		inst.Thermometer = bench.Thermometer
	}
	cfg := sweep.Config{SettleDelay: s.opts.SettleDelay, Sleep: s.opts.Sleep}
	if s.opts.LivePlot {
		cfg.Observers = append(cfg.Observers, plot.NewLiveObserver(filepath.Join(run.DataDir, LiveDir)))
	}
	engine := sweep.New(inst, cfg)

	total := len(plan.sweeps)
	if plan.selfHeating != nil {
		total++
	}
	done := 0
	advance := func() error {
		done++
		return s.repo.UpdateStatus(ctx, id, models.StatusRunning, 10+85*done/total)
	}

	for _, p := range plan.sweeps {
		res, err := engine.Sweep(ctx, p.req)
		if res != nil && len(res.Points) > 0 {
			if perr := s.persist(ctx, run, p.kind, res); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if err := advance(); err != nil {
			return err
		}
	}

	if plan.selfHeating != nil {
		res, err := engine.SelfHeating(ctx, *plan.selfHeating)
		if res != nil && len(res.Points) > 0 {
			if perr := s.persist(ctx, run, models.KindSelfHeating, res); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if err := advance(); err != nil {
			return err
		}
	}
	return nil
}

// configure prepares the four SMUs: drain and gate with their wire modes,
// bulk and substrate 2-wire, substrate on a fixed current range.
func (s *characterizationService) configure(ctx context.Context, bench *instrument.Bench) error {
	drain := s.opts.SMU
	drain.WireMode = s.opts.DrainWireMode
	other := s.opts.SMU
	other.WireMode = s.opts.GateWireMode
	sub := other
	sub.CurrentRange = substrateCurrentRange

	for _, c := range []struct {
		smu  *instrument.SMU
		opts instrument.ConfigureOptions
	}{
		{bench.Drain, drain},
		{bench.Gate, other},
		{bench.Bulk, other},
		{bench.Substrate, sub},
	} {
		if err := c.smu.Configure(ctx, c.opts); err != nil {
			return err
		}
	}
	return nil
}

// persist writes one sweep to disk, the database and the archive
func (s *characterizationService) persist(ctx context.Context, run *models.Run, kind models.SweepKind, res *sweep.Result) error {
	rec := &models.SweepRecord{
		ID:               uuid.New().String(),
		RunID:            run.ID,
		Kind:             kind,
		Fixed:            res.Request.Fixed,
		Variable:         res.Request.Variable,
		FixedVoltage:     res.Request.FixedVoltage,
		BulkVoltage:      res.Request.BulkVoltage,
		SubstrateVoltage: res.Request.SubstrateVoltage,
		Points:           res.Points,
		CreatedAt:        time.Now(),
	}

	files, err := s.store.Save(run, rec)
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	if err := s.repo.StoreSweep(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("store sweep: %w", err)
	}

	paths := []string{files.Lab}
	if files.Mystic != "" {
		paths = append(paths, files.Mystic)
	}
	if png, err := renderPlot(files.Lab, rec); err != nil {
		log.Warn().Err(err).Str("file", rec.FileName).Msg("Sweep plot not written")
	} else if png != "" {
		paths = append(paths, png)
	}

	s.upload(context.WithoutCancel(ctx), run, paths)
	return nil
}

// renderPlot writes the Id plot next to the lab CSV. Sweeps too short to
// plot yield an empty path.
func renderPlot(labPath string, rec *models.SweepRecord) (string, error) {
	path := strings.TrimSuffix(labPath, filepath.Ext(labPath)) + ".png"
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = plot.RenderSweep(f, rec)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, plot.ErrTooFewPoints) {
		os.Remove(path)
		return "", nil
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// upload copies result files to the archive. Failures are logged; the local
// files stay authoritative.
func (s *characterizationService) upload(ctx context.Context, run *models.Run, paths []string) {
	if s.archive == nil {
		return
	}
	for _, p := range paths {
		rel, err := filepath.Rel(run.DataDir, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		key := storage.RunKey(run.ID, rel)
		if err := storage.UploadFile(ctx, s.archive, key, p); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Archive upload failed")
			continue
		}
		log.Debug().Str("key", key).Msg("Archived result file")
	}
}

// switchOrNil keeps an absent multiplexer a nil Switch.
func switchOrNil(t instrument.Transport) mux.Switch {
	if t == nil {
		return nil
	}
	return t
}
