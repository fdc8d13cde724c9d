// Package plot renders sweep data to PNG with go-chart.
package plot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/RMahshie/ivlab/internal/sweep"
	"github.com/RMahshie/ivlab/pkg/models"
)

// ErrTooFewPoints is returned when no series has the two points a line needs.
var ErrTooFewPoints = errors.New("at least two points are needed to draw a curve")

// Live snapshot file names.
const (
	CurrentsFile    = "live_currents.png"
	VoltagesFile    = "live_voltages.png"
	TemperatureFile = "live_temperature.png"
)

func lineStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeColor: col,
		StrokeWidth: 1.5,
		DotColor:    col,
		DotWidth:    3,
	}
}

type trace struct {
	name  string
	color drawing.Color
	xs    []float64
	ys    []float64
}

func (t *trace) add(x float64, y *float64) {
	if y == nil {
		return
	}
	t.xs = append(t.xs, x)
	t.ys = append(t.ys, *y)
}

func (t *trace) series() (chart.Series, bool) {
	if len(t.xs) < 2 {
		return nil, false
	}
	return chart.ContinuousSeries{Name: t.name, XValues: t.xs, YValues: t.ys, Style: lineStyle(t.color)}, true
}

func render(w io.Writer, title, xName, yName string, traces ...*trace) error {
	var series []chart.Series
	var xs, ys []float64
	for _, t := range traces {
		if s, ok := t.series(); ok {
			series = append(series, s)
			xs = append(xs, t.xs...)
			ys = append(ys, t.ys...)
		}
	}
	if len(series) == 0 {
		return ErrTooFewPoints
	}

	xAxis := chart.XAxis{Name: xName}
	if r := flatRange(xs); r != nil {
		xAxis.Range = r
	}
	yAxis := chart.YAxis{Name: yName}
	if r := flatRange(ys); r != nil {
		yAxis.Range = r
	}

	ch := chart.Chart{
		Title:      title,
		Width:      1024,
		Height:     640,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20}},
		XAxis:      xAxis,
		YAxis:      yAxis,
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render %q: %w", title, err)
	}
	return nil
}

// flatRange returns a padded range when every value is equal, which go-chart
// refuses to scale, and nil otherwise.
func flatRange(vs []float64) *chart.ContinuousRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if lo != hi {
		return nil
	}
	pad := math.Max(math.Abs(lo)*0.1, 1e-12)
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

// RenderSweep draws drain current against the swept voltage.
func RenderSweep(w io.Writer, rec *models.SweepRecord) error {
	id := &trace{name: "Drain Current", color: chart.ColorBlue}
	for _, p := range rec.Points {
		id.add(p.Swept(), p.Id)
	}
	return render(w, Title(rec.Fixed, rec.Variable, rec.FixedVoltage, rec.BulkVoltage, rec.SubstrateVoltage),
		string(rec.Variable)+" (V)", "Id (A)", id)
}

// Title describes the bias point of a sweep.
func Title(fixed, variable models.Terminal, fixedV, bulkV, subV float64) string {
	return fmt.Sprintf("%s Sweep with Fixed %s = %g V, Vbulk_source = %g V, Vsource_sub = %g V",
		variable, fixed, fixedV, bulkV, subV)
}

// LiveObserver redraws PNG snapshots of the sweep in progress after every
// point: terminal currents and measured voltages against the swept voltage,
// and temperature against elapsed time.
type LiveObserver struct {
	dir string

	mu     sync.Mutex
	req    sweep.Request
	points []models.SweepPoint
}

// NewLiveObserver writes snapshots into dir.
func NewLiveObserver(dir string) *LiveObserver {
	return &LiveObserver{dir: dir}
}

// Begin starts a new set of traces.
func (o *LiveObserver) Begin(req sweep.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.req = req
	o.points = o.points[:0]
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", o.dir).Msg("Cannot create live plot directory")
	}
}

// Point appends p and redraws.
func (o *LiveObserver) Point(p models.SweepPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.points = append(o.points, p)
	o.redraw()
}

// End leaves the last snapshot in place.
func (o *LiveObserver) End() {
	o.mu.Lock()
	defer o.mu.Unlock()
	log.Debug().Int("points", len(o.points)).Str("dir", o.dir).Msg("Live plot closed")
}

func (o *LiveObserver) redraw() {
	di := &trace{name: "Drain Current", color: chart.ColorBlue}
	bi := &trace{name: "Bulk Current", color: chart.ColorRed}
	si := &trace{name: "Substrate Current", color: chart.ColorOrange}
	gi := &trace{name: "Gate Current", color: chart.ColorGreen}
	dv := &trace{name: "Drain Voltage", color: chart.ColorBlue}
	bv := &trace{name: "Bulk Voltage", color: chart.ColorRed}
	sv := &trace{name: "Substrate Voltage", color: chart.ColorOrange}
	gv := &trace{name: "Gate Voltage", color: chart.ColorGreen}
	ta := &trace{name: "Temperature A", color: chart.ColorAlternateGray}
	tb := &trace{name: "Temperature B", color: chart.ColorCyan}

	for _, p := range o.points {
		x := p.Swept()
		di.add(x, p.Id)
		bi.add(x, p.Ib)
		si.add(x, p.Isub)
		gi.add(x, p.Ig)
		// Missing voltages plot as 0 V so every voltage trace keeps one point per step.
		dv.add(x, orZero(p.VdMeas))
		bv.add(x, orZero(p.VbMeas))
		sv.add(x, orZero(p.VsubMeas))
		gv.add(x, orZero(p.VgMeas))
		if p.Elapsed != nil {
			ta.add(*p.Elapsed, p.TempA)
			tb.add(*p.Elapsed, p.TempB)
		}
	}

	title := Title(o.req.Fixed, o.req.Variable, o.req.FixedVoltage, o.req.BulkVoltage, o.req.SubstrateVoltage)
	xName := string(o.req.Variable) + " (V)"
	o.snapshot(CurrentsFile, func(w io.Writer) error { return render(w, title, xName, "I (A)", di, bi, si, gi) })
	o.snapshot(VoltagesFile, func(w io.Writer) error { return render(w, title, xName, "V (V)", dv, bv, sv, gv) })
	o.snapshot(TemperatureFile, func(w io.Writer) error { return render(w, title, "Time (s)", "Temperature (K)", ta, tb) })
}

func (o *LiveObserver) snapshot(name string, draw func(io.Writer) error) {
	var buf bytes.Buffer
	if err := draw(&buf); err != nil {
		if !errors.Is(err, ErrTooFewPoints) {
			log.Warn().Err(err).Str("plot", name).Msg("Live plot render failed")
		}
		return
	}
	path := filepath.Join(o.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Live plot write failed")
	}
}

func orZero(v *float64) *float64 {
	if v == nil {
		zero := 0.0
		return &zero
	}
	return v
}
