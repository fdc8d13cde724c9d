package instrument

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/pkg/models"
)

// Dialect is the ASCII command set an SMU speaks.
type Dialect string

const (
	// DialectSCPI is the SCPI command set of the 24xx series.
	DialectSCPI Dialect = "scpi"
	// DialectLegacy is the pre-SCPI "device dependent command" set of the 23x series.
	DialectLegacy Dialect = "legacy"
)

// ParseDialect accepts "scpi", "legacy" and "non-scpi" in any case.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scpi", "":
		return DialectSCPI, nil
	case "legacy", "non-scpi":
		return DialectLegacy, nil
	}
	return "", errors.Errorf("unknown command dialect %q", s)
}

// legacyTrigger switches the 23x to source+measure output, triggers once and
// holds the result for the following "X" read.
const legacyTrigger = "O1X;G4,2,0X;H0X;"

// ConfigureOptions describes how an SMU is prepared for a run.
type ConfigureOptions struct {
	Voltage           float64
	CurrentCompliance float64
	VoltageCompliance float64
	// WireMode is 2 or 4. Anything else is logged and the sense setting is left alone.
	WireMode          int
	DisableFrontPanel bool
	// CurrentRange pins the measurement range when positive; zero selects auto range.
	CurrentRange float64
}

// DefaultConfigureOptions returns the bench defaults: 0 V, 105 mA and 27 V
// compliance, 2-wire sense and auto current range.
func DefaultConfigureOptions() ConfigureOptions {
	return ConfigureOptions{
		CurrentCompliance: 0.105,
		VoltageCompliance: 27,
		WireMode:          2,
	}
}

// Reading is one source-measure result. Fields are nil when the instrument
// gave no usable value.
type Reading struct {
	V *float64
	I *float64
}

// SMU is a session to one source-measure unit driving one transistor terminal.
type SMU struct {
	Terminal models.Terminal
	Dialect  Dialect
	t        Transport
}

// NewSMU wraps a transport.
func NewSMU(terminal models.Terminal, dialect Dialect, t Transport) *SMU {
	return &SMU{Terminal: terminal, Dialect: dialect, t: t}
}

// Configure resets the SMU into a voltage source measuring current and turns
// the output on. It stops at the first failed write.
func (s *SMU) Configure(ctx context.Context, opts ConfigureOptions) error {
	var cmds []string
	switch s.Dialect {
	case DialectLegacy:
		cmds = []string{
			"F0,0X",
			"B" + volts(opts.Voltage) + ",0,0X",
			"L" + volts(opts.CurrentCompliance) + ",5X",
			"P2X",
			"R1X",
			"H0X",
			"N1X",
		}
	default:
		cmds = append(cmds, "*RST")
		if opts.DisableFrontPanel {
			cmds = append(cmds, ":DISP:ENAB OFF")
		}
		switch opts.WireMode {
		case 2:
			cmds = append(cmds, ":SYST:RSEN OFF")
		case 4:
			cmds = append(cmds, ":SYST:RSEN ON")
		default:
			log.Warn().
				Str("terminal", string(s.Terminal)).
				Int("wire_mode", opts.WireMode).
				Msg("Invalid wire mode, expected 2 or 4; leaving sense setting unchanged")
		}
		cmds = append(cmds,
			":SOUR:FUNC VOLT",
			":SOUR:VOLT:RANG:AUTO ON",
			":SENS:VOLT:PROT "+volts(opts.VoltageCompliance),
			":SOUR:VOLT "+volts(opts.Voltage),
			`:SENS:FUNC "CURR"`,
			":SENS:CURR:PROT "+volts(opts.CurrentCompliance),
		)
		if opts.CurrentRange > 0 {
			cmds = append(cmds, ":SENS:CURR:RANG:AUTO OFF", ":SENS:CURR:RANG "+volts(opts.CurrentRange))
		} else {
			cmds = append(cmds, ":SENS:CURR:RANG:AUTO ON")
		}
		cmds = append(cmds,
			":SENS:AVER:COUN 4",
			":SENS:AVER:TCON REP",
			":SENS:AVER:STAT ON",
			":OUTP ON",
		)
	}

	for _, cmd := range cmds {
		if err := s.t.Write(ctx, cmd); err != nil {
			return errors.Wrapf(err, "configure %s SMU", s.Terminal)
		}
	}
	log.Debug().Str("terminal", string(s.Terminal)).Str("dialect", string(s.Dialect)).Msg("SMU configured")
	return nil
}

// SetVoltage programs the source voltage.
func (s *SMU) SetVoltage(ctx context.Context, v float64) error {
	cmd := ":SOUR:VOLT " + volts(v)
	if s.Dialect == DialectLegacy {
		cmd = "B" + volts(v) + ",0,0X"
	}
	return errors.Wrapf(s.t.Write(ctx, cmd), "set %s to %s V", s.Terminal, volts(v))
}

// SetLevel programs the immediate source level, the write used for each sweep step.
func (s *SMU) SetLevel(ctx context.Context, v float64) error {
	cmd := ":SOUR:VOLT:LEV " + volts(v)
	if s.Dialect == DialectLegacy {
		cmd = "B" + volts(v) + ",0,0X"
	}
	return errors.Wrapf(s.t.Write(ctx, cmd), "step %s to %s V", s.Terminal, volts(v))
}

// MeasureIV triggers one reading. SCPI units report voltage and current;
// legacy units report current only. Failures are logged and leave the
// corresponding fields nil.
func (s *SMU) MeasureIV(ctx context.Context) Reading {
	var r Reading
	var err error
	if s.Dialect == DialectLegacy {
		r.I, err = s.legacyCurrent(ctx)
	} else {
		r, err = s.readSCPI(ctx)
	}
	if err != nil {
		log.Warn().Str("terminal", string(s.Terminal)).Err(err).Msg("Measurement failed")
	}
	return r
}

// MeasureCurrent is MeasureIV without the voltage.
func (s *SMU) MeasureCurrent(ctx context.Context) *float64 {
	return s.MeasureIV(ctx).I
}

// Off zeros the source and disables the output.
func (s *SMU) Off(ctx context.Context) error {
	cmds := []string{":SOUR:VOLT 0", ":OUTP OFF"}
	if s.Dialect == DialectLegacy {
		cmds = []string{"B0,0,0X", "N0X"}
	}
	for _, cmd := range cmds {
		if err := s.t.Write(ctx, cmd); err != nil {
			return errors.Wrapf(err, "turn off %s SMU", s.Terminal)
		}
	}
	return nil
}

// Close releases the transport.
func (s *SMU) Close() error {
	return s.t.Close()
}

func (s *SMU) readSCPI(ctx context.Context) (Reading, error) {
	resp, err := s.t.Query(ctx, ":READ?")
	if err != nil {
		return Reading{}, errors.Wrap(err, "data read fail")
	}
	fields := strings.Split(strings.TrimSpace(resp), ",")
	if len(fields) < 2 {
		return Reading{}, errors.Errorf("unexpected response format %q", resp)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Reading{}, errors.Wrap(err, "conversion for voltage value failed")
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Reading{}, errors.Wrap(err, "conversion for current value failed")
	}
	return Reading{V: &v, I: &i}, nil
}

func (s *SMU) legacyCurrent(ctx context.Context) (*float64, error) {
	if err := s.t.Write(ctx, legacyTrigger); err != nil {
		return nil, errors.Wrap(err, "trigger fail")
	}
	resp, err := s.t.Query(ctx, "X")
	if err != nil {
		return nil, errors.Wrap(err, "data read fail")
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return nil, errors.Wrap(err, "conversion for current value failed")
	}
	return &i, nil
}

// volts formats a value the shortest way that round-trips, without exponents.
func volts(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
