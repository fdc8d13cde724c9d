package instrument

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/RMahshie/ivlab/pkg/models"
)

// Names of the simulated instruments, used as SIM::<name> addresses.
const (
	SimDrain     = "drain"
	SimGate      = "gate"
	SimBulk      = "bulk"
	SimSubstrate = "sub"
	SimMuxDS     = "mux_ds"
	SimMuxGS     = "mux_gs"
	SimLakeshore = "lakeshore"
)

// ErrSimTimeout is returned by simulated queries armed with FailNextReads.
var ErrSimTimeout = errors.New("simulated instrument timeout")

// SimDevice is a Level-1 (Shichman-Hodges) MOSFET with body effect and
// channel length modulation, plus linear leakage on the other terminals.
type SimDevice struct {
	Polarity models.Polarity
	VTO      float64 // threshold voltage (V)
	KP       float64 // transconductance parameter (A/V²)
	GAMMA    float64 // body effect coefficient (V^0.5)
	PHI      float64 // surface potential (V)
	LAMBDA   float64 // channel length modulation (1/V)
	W, L     float64 // channel width and length (m)

	GateLeakage     float64 // S
	JunctionLeakage float64 // S
	AmbientK        float64 // cryostat temperature with no dissipation (K)
	ThermalRes      float64 // K/W from channel power to sensor A
}

// DefaultSimDevice returns a 10x10 µm device with SPICE default parameters.
func DefaultSimDevice(pol models.Polarity) SimDevice {
	return SimDevice{
		Polarity:        pol,
		VTO:             0.7,
		KP:              2e-5,
		GAMMA:           0.5,
		PHI:             0.6,
		LAMBDA:          0.01,
		W:               10e-6,
		L:               10e-6,
		GateLeakage:     1e-12,
		JunctionLeakage: 1e-11,
		AmbientK:        300,
		ThermalRes:      50,
	}
}

// Threshold returns the body-effect adjusted threshold voltage.
func (d SimDevice) Threshold(vbs float64) float64 {
	return d.VTO + d.GAMMA*(math.Sqrt(math.Max(0, d.PHI-vbs))-math.Sqrt(d.PHI))
}

// DrainCurrent returns the current into the drain for terminal voltages
// referenced to the source. PMOS devices use mirrored voltages and current.
func (d SimDevice) DrainCurrent(vgs, vds, vbs float64) float64 {
	sign := 1.0
	if d.Polarity == models.PMOS {
		sign = -1
		vgs, vds, vbs = -vgs, -vds, -vbs
	}
	if vds < 0 {
		// Drain and source swap roles.
		return -sign * d.level1(vgs-vds, -vds, vbs-vds)
	}
	return sign * d.level1(vgs, vds, vbs)
}

func (d SimDevice) level1(vgs, vds, vbs float64) float64 {
	vgst := vgs - d.Threshold(vbs)
	if vgst <= 0 {
		return 0
	}
	beta := d.KP * d.W / d.L
	if vds < vgst {
		return beta * (vgst*vds - 0.5*vds*vds) * (1.0 + d.LAMBDA*vds)
	}
	return 0.5 * beta * vgst * vgst * (1.0 + d.LAMBDA*vds)
}

type simSMU struct {
	level float64
	on    bool
}

// SimBench is an in-process stand-in for the whole bench: four SMUs wired to
// one simulated transistor, two switching multiplexers and a thermometer.
// All simulated transports share its lock, like instruments on one bus.
type SimBench struct {
	mu     sync.Mutex
	dev    SimDevice
	smus   map[string]*simSMU
	closed map[string]map[int]bool
	cmds   map[string][]string
	fail   map[string]int
}

// NewSimBench creates a bench around dev with every output off.
func NewSimBench(dev SimDevice) *SimBench {
	b := &SimBench{
		dev:    dev,
		smus:   make(map[string]*simSMU),
		closed: map[string]map[int]bool{SimMuxDS: {}, SimMuxGS: {}},
		cmds:   make(map[string][]string),
		fail:   make(map[string]int),
	}
	for _, name := range []string{SimDrain, SimGate, SimBulk, SimSubstrate} {
		b.smus[name] = &simSMU{}
	}
	return b
}

// Device returns the simulated transistor.
func (b *SimBench) Device() SimDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev
}

// SetDevice swaps the simulated transistor.
func (b *SimBench) SetDevice(dev SimDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dev = dev
}

// Transport returns a transport to the named simulated instrument.
func (b *SimBench) Transport(name string) (Transport, error) {
	name = strings.ToLower(name)
	_, smu := b.smus[name]
	_, mux := b.closed[name]
	if !smu && !mux && name != SimLakeshore {
		return nil, errors.Errorf("no simulated instrument %q", name)
	}
	return &simTransport{bench: b, name: name}, nil
}

// Level returns the programmed level of a simulated SMU.
func (b *SimBench) Level(name string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.smus[name]; ok {
		return s.level
	}
	return 0
}

// OutputOn reports whether a simulated SMU output is enabled.
func (b *SimBench) OutputOn(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.smus[name]; ok {
		return s.on
	}
	return false
}

// Closed returns the closed channels of a simulated multiplexer in ascending order.
func (b *SimBench) Closed(name string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for ch := range b.closed[name] {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// Commands returns every command sent to the named instrument, queries included.
func (b *SimBench) Commands(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cmds[name]...)
}

// FailNextReads makes the next n queries to name time out.
func (b *SimBench) FailNextReads(name string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[name] = n
}

func (b *SimBench) write(name, cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds[name] = append(b.cmds[name], cmd)

	if smu, ok := b.smus[name]; ok {
		return smu.apply(cmd)
	}
	if closed, ok := b.closed[name]; ok {
		return applyMux(closed, cmd)
	}
	return nil
}

func (s *simSMU) apply(cmd string) error {
	upper := strings.ToUpper(strings.TrimSpace(cmd))
	switch {
	case upper == "*RST":
		s.level, s.on = 0, false
	case upper == ":OUTP ON" || upper == "N1X":
		s.on = true
	case upper == ":OUTP OFF" || upper == "N0X":
		s.on = false
	case strings.HasPrefix(upper, ":SOUR:VOLT:LEV "), strings.HasPrefix(upper, ":SOUR:VOLT "):
		f := strings.Fields(upper)
		v, err := strconv.ParseFloat(f[len(f)-1], 64)
		if err != nil {
			return errors.Wrapf(err, "bad source level in %q", cmd)
		}
		s.level = v
	case strings.HasPrefix(upper, "B") && strings.HasSuffix(upper, "X"):
		head, _, _ := strings.Cut(strings.TrimPrefix(upper, "B"), ",")
		v, err := strconv.ParseFloat(head, 64)
		if err != nil {
			return errors.Wrapf(err, "bad bias level in %q", cmd)
		}
		s.level = v
	}
	return nil
}

func applyMux(closed map[int]bool, cmd string) error {
	upper := strings.ToUpper(strings.TrimSpace(cmd))
	switch {
	case strings.HasPrefix(upper, "ROUT") && strings.HasSuffix(upper, ":OPEN:ALL"):
		for ch := range closed {
			delete(closed, ch)
		}
	case strings.HasPrefix(upper, "ROUT:CLOS"):
		start, end := strings.Index(upper, "(@"), strings.LastIndex(upper, ")")
		if start < 0 || end < start {
			return errors.Errorf("bad channel list in %q", cmd)
		}
		for _, part := range strings.Split(upper[start+2:end], ",") {
			ch, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return errors.Wrapf(err, "bad channel in %q", cmd)
			}
			closed[ch] = true
		}
	}
	return nil
}

func (b *SimBench) query(name, cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds[name] = append(b.cmds[name], cmd)

	if b.fail[name] > 0 {
		b.fail[name]--
		return "", ErrSimTimeout
	}

	upper := strings.ToUpper(strings.TrimSpace(cmd))
	if upper == "*IDN?" {
		return "SIMULATED," + strings.ToUpper(name) + ",0,1.0", nil
	}
	if smu, ok := b.smus[name]; ok {
		v := 0.0
		if smu.on {
			v = smu.level
		}
		i := b.currentLocked(name)
		switch upper {
		case ":READ?":
			return fmt.Sprintf("%+.6E,%+.6E,+9.910000E+37,+0.000000E+00,+0.000000E+00", v, i), nil
		case "X":
			return fmt.Sprintf("%+.4E", i), nil
		}
	}
	if name == SimLakeshore && strings.HasPrefix(upper, "KRDG?") {
		heat := b.dev.ThermalRes * math.Abs(b.currentLocked(SimDrain)*b.voltageLocked(SimDrain))
		if strings.HasSuffix(upper, "B") {
			heat /= 2
		}
		return fmt.Sprintf("%+.3f", b.dev.AmbientK+heat), nil
	}
	return "", errors.Errorf("simulated %s cannot answer %q", name, cmd)
}

func (b *SimBench) voltageLocked(name string) float64 {
	if s := b.smus[name]; s != nil && s.on {
		return s.level
	}
	return 0
}

func (b *SimBench) currentLocked(name string) float64 {
	if s := b.smus[name]; s == nil || !s.on {
		return 0
	}
	vds := b.voltageLocked(SimDrain)
	vgs := b.voltageLocked(SimGate)
	vbs := b.voltageLocked(SimBulk)
	switch name {
	case SimDrain:
		return b.dev.DrainCurrent(vgs, vds, vbs)
	case SimGate:
		return b.dev.GateLeakage * vgs
	case SimBulk:
		return b.dev.JunctionLeakage * vbs
	case SimSubstrate:
		return b.dev.JunctionLeakage * b.voltageLocked(SimSubstrate)
	}
	return 0
}

type simTransport struct {
	bench *SimBench
	name  string
}

func (t *simTransport) Write(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.bench.write(t.name, cmd)
}

func (t *simTransport) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.bench.query(t.name, cmd)
}

func (t *simTransport) Close() error { return nil }
