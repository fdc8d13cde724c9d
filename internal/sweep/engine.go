// Package sweep sequences the per-point writes and reads of a voltage sweep
// across the four SMUs of the bench.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/pkg/models"
)

// ErrInvalidRoles is returned when the fixed and variable terminals are not
// exactly Vd and Vg.
var ErrInvalidRoles = errors.New("fixed and variable terminals must be Vd and Vg, one each")

// finalizePause lets outputs settle at 0 V before the next sweep starts.
const finalizePause = 10 * time.Millisecond

// Source is an SMU as seen by the engine.
type Source interface {
	SetVoltage(ctx context.Context, v float64) error
	SetLevel(ctx context.Context, v float64) error
	MeasureIV(ctx context.Context) instrument.Reading
}

// Thermometer reads a temperature channel in Kelvin.
type Thermometer interface {
	Read(ctx context.Context, channel string) (float64, error)
}

// Observer receives sweep progress, e.g. to redraw a live plot.
type Observer interface {
	Begin(req Request)
	Point(p models.SweepPoint)
	End()
}

// Instruments are the sessions the engine drives. Thermometer may be nil.
type Instruments struct {
	Drain       Source
	Gate        Source
	Bulk        Source
	Substrate   Source
	Thermometer Thermometer
}

// Config tunes timing. Zero values select real time.
type Config struct {
	SettleDelay time.Duration
	// Start is the reference for the elapsed time column.
	Start time.Time
	Now   func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep     func(ctx context.Context, d time.Duration) error
	Observers []Observer
}

// Request describes one sweep: Variable is stepped through Values while
// Fixed, bulk and substrate are held.
type Request struct {
	Fixed            models.Terminal
	Variable         models.Terminal
	Values           []float64
	FixedVoltage     float64
	BulkVoltage      float64
	SubstrateVoltage float64
}

// Validate checks the terminal roles.
func (r Request) Validate() error {
	ok := (r.Fixed == models.Drain && r.Variable == models.Gate) ||
		(r.Fixed == models.Gate && r.Variable == models.Drain)
	if !ok {
		return fmt.Errorf("%w: fixed=%q variable=%q", ErrInvalidRoles, r.Fixed, r.Variable)
	}
	return nil
}

// SelfHeatingRequest describes a paused series: for each drain voltage the
// bias is applied, one reading is taken, then drain and bulk are zeroed for
// Cooling.
type SelfHeatingRequest struct {
	DrainVoltages    []float64
	GateVoltage      float64
	BulkVoltage      float64
	SubstrateVoltage float64
	Cooling          time.Duration
}

// Result is the ordered table of one sweep.
type Result struct {
	Request Request
	Points  []models.SweepPoint
}

// Engine runs sweeps on one bench. It is not safe for concurrent use.
type Engine struct {
	inst Instruments
	cfg  Config
}

// New creates an engine.
func New(inst Instruments, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Start.IsZero() {
		cfg.Start = cfg.Now()
	}
	return &Engine{inst: inst, cfg: cfg}
}

// Sweep runs one sweep. Instrument failures never abort it: a failed write is
// logged and a failed read leaves nil fields in its point. When ctx is
// cancelled between points the drain and gate are still zeroed and the
// points recorded so far are returned with ctx's error.
func (e *Engine) Sweep(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := e.inst.check(); err != nil {
		return nil, err
	}

	fixed, variable := e.inst.Drain, e.inst.Gate
	if req.Fixed == models.Gate {
		fixed, variable = e.inst.Gate, e.inst.Drain
	}

	log.Info().
		Str("fixed", string(req.Fixed)).
		Float64("fixed_voltage", req.FixedVoltage).
		Str("variable", string(req.Variable)).
		Int("points", len(req.Values)).
		Float64("bulk_voltage", req.BulkVoltage).
		Float64("substrate_voltage", req.SubstrateVoltage).
		Msg("Sweep started")

	// INIT
	e.set(ctx, e.inst.Substrate, models.Substrate, req.SubstrateVoltage)
	e.set(ctx, e.inst.Bulk, models.Bulk, req.BulkVoltage)
	e.set(ctx, fixed, req.Fixed, req.FixedVoltage)
	e.set(ctx, variable, req.Variable, 0)

	for _, o := range e.cfg.Observers {
		o.Begin(req)
	}

	res := &Result{Request: req, Points: make([]models.SweepPoint, 0, len(req.Values))}
	var runErr error
	for _, v := range req.Values {
		if runErr = ctx.Err(); runErr != nil {
			break
		}

		// STEP
		if err := variable.SetLevel(ctx, v); err != nil {
			log.Warn().Str("terminal", string(req.Variable)).Float64("voltage", v).Err(err).Msg("Failed to step swept terminal")
		}
		if runErr = e.cfg.Sleep(ctx, e.cfg.SettleDelay); runErr != nil {
			break
		}

		p := e.measure(ctx, models.SweepPoint{
			Fixed:    req.Fixed,
			Variable: req.Variable,
			VbSrc:    req.BulkVoltage,
			VsubSrc:  req.SubstrateVoltage,
		})
		if req.Variable == models.Gate {
			p.VdSrc, p.VgSrc = req.FixedVoltage, v
		} else {
			p.VdSrc, p.VgSrc = v, req.FixedVoltage
		}

		res.Points = append(res.Points, p)
		for _, o := range e.cfg.Observers {
			o.Point(p)
		}
	}

	// FINALIZE
	fctx := context.WithoutCancel(ctx)
	e.set(fctx, e.inst.Drain, models.Drain, 0)
	e.set(fctx, e.inst.Gate, models.Gate, 0)
	_ = e.cfg.Sleep(fctx, finalizePause)
	for _, o := range e.cfg.Observers {
		o.End()
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Int("points", len(res.Points)).Msg("Sweep finished")
	return res, runErr
}

// SelfHeating runs a paused output series at fixed gate bias. Each point is
// recorded with the drain as the variable terminal.
func (e *Engine) SelfHeating(ctx context.Context, req SelfHeatingRequest) (*Result, error) {
	if err := e.inst.check(); err != nil {
		return nil, err
	}

	sreq := Request{
		Fixed:            models.Gate,
		Variable:         models.Drain,
		Values:           req.DrainVoltages,
		FixedVoltage:     req.GateVoltage,
		BulkVoltage:      req.BulkVoltage,
		SubstrateVoltage: req.SubstrateVoltage,
	}
	for _, o := range e.cfg.Observers {
		o.Begin(sreq)
	}
	log.Info().
		Float64("gate_voltage", req.GateVoltage).
		Int("points", len(req.DrainVoltages)).
		Dur("cooling", req.Cooling).
		Msg("Self-heating series started")

	res := &Result{Request: sreq, Points: make([]models.SweepPoint, 0, len(req.DrainVoltages))}
	var runErr error
	for i, vds := range req.DrainVoltages {
		if runErr = ctx.Err(); runErr != nil {
			break
		}

		e.set(ctx, e.inst.Substrate, models.Substrate, req.SubstrateVoltage)
		e.set(ctx, e.inst.Bulk, models.Bulk, req.BulkVoltage)
		e.set(ctx, e.inst.Gate, models.Gate, req.GateVoltage)
		e.set(ctx, e.inst.Drain, models.Drain, vds)

		d := e.inst.Drain.MeasureIV(ctx)
		g := e.inst.Gate.MeasureIV(ctx)
		s := e.inst.Substrate.MeasureIV(ctx)
		b := e.inst.Bulk.MeasureIV(ctx)

		p := models.SweepPoint{
			Fixed:    models.Gate,
			Variable: models.Drain,
			VdSrc:    vds,
			VgSrc:    req.GateVoltage,
			VbSrc:    req.BulkVoltage,
			VsubSrc:  req.SubstrateVoltage,
			Id:       d.I,
			Ib:       b.I,
			Isub:     s.I,
			Ig:       g.I,
			VdMeas:   d.V,
			VbMeas:   b.V,
			VsubMeas: s.V,
			VgMeas:   g.V,
		}
		p.TempA, p.TempB, p.Elapsed = e.temperature(ctx)
		res.Points = append(res.Points, p)
		for _, o := range e.cfg.Observers {
			o.Point(p)
		}

		e.set(ctx, e.inst.Drain, models.Drain, 0)
		e.set(ctx, e.inst.Bulk, models.Bulk, 0)

		if i == len(req.DrainVoltages)-1 {
			break
		}
		if runErr = e.cfg.Sleep(ctx, req.Cooling); runErr != nil {
			break
		}
	}

	if runErr != nil {
		fctx := context.WithoutCancel(ctx)
		e.set(fctx, e.inst.Drain, models.Drain, 0)
		e.set(fctx, e.inst.Bulk, models.Bulk, 0)
	}
	for _, o := range e.cfg.Observers {
		o.End()
	}
	return res, runErr
}

func (e *Engine) set(ctx context.Context, s Source, terminal models.Terminal, v float64) {
	if err := s.SetVoltage(ctx, v); err != nil {
		log.Warn().Str("terminal", string(terminal)).Float64("voltage", v).Err(err).Msg("Failed to set voltage")
	}
}

// measure reads drain, bulk, substrate and gate in that order.
func (e *Engine) measure(ctx context.Context, p models.SweepPoint) models.SweepPoint {
	d := e.inst.Drain.MeasureIV(ctx)
	b := e.inst.Bulk.MeasureIV(ctx)
	s := e.inst.Substrate.MeasureIV(ctx)
	g := e.inst.Gate.MeasureIV(ctx)

	if b.V == nil {
		vb := p.VbSrc
		b.V = &vb
	}

	p.Id, p.Ib, p.Isub, p.Ig = d.I, b.I, s.I, g.I
	p.VdMeas, p.VbMeas, p.VsubMeas, p.VgMeas = d.V, b.V, s.V, g.V
	p.TempA, p.TempB, p.Elapsed = e.temperature(ctx)
	return p
}

// temperature reads both channels and the elapsed time. Any failure leaves
// all three nil.
func (e *Engine) temperature(ctx context.Context) (a, b, elapsed *float64) {
	if e.inst.Thermometer == nil {
		return nil, nil, nil
	}
	ka, err := e.inst.Thermometer.Read(ctx, "A")
	if err != nil {
		log.Warn().Err(err).Msg("Temperature measurement error")
		return nil, nil, nil
	}
	kb, err := e.inst.Thermometer.Read(ctx, "B")
	if err != nil {
		log.Warn().Err(err).Msg("Temperature measurement error")
		return nil, nil, nil
	}
	secs := e.cfg.Now().Sub(e.cfg.Start).Seconds()
	return &ka, &kb, &secs
}

func (in Instruments) check() error {
	if in.Drain == nil || in.Gate == nil || in.Bulk == nil || in.Substrate == nil {
		return errors.New("sweep needs drain, gate, bulk and substrate sources")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
