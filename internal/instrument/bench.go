package instrument

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/pkg/models"
)

// SMUConfig locates one SMU.
type SMUConfig struct {
	Address string
	Dialect Dialect
}

// BenchConfig locates every instrument of the bench. Empty multiplexer and
// thermometer addresses leave those instruments out.
type BenchConfig struct {
	Drain     SMUConfig
	Gate      SMUConfig
	Bulk      SMUConfig
	Substrate SMUConfig
	MuxDS     string
	MuxGS     string
	Lakeshore string
}

// Bench holds open sessions to all instruments used by one characterization run.
type Bench struct {
	Drain       *SMU
	Gate        *SMU
	Bulk        *SMU
	Substrate   *SMU
	MuxDS       Transport
	MuxGS       Transport
	Thermometer *Thermometer
}

// OpenBench opens every configured instrument. On failure the sessions
// opened so far are closed.
func OpenBench(ctx context.Context, conn *Connector, cfg BenchConfig) (*Bench, error) {
	b := &Bench{}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	smus := []struct {
		dst      **SMU
		terminal models.Terminal
		cfg      SMUConfig
	}{
		{&b.Drain, models.Drain, cfg.Drain},
		{&b.Gate, models.Gate, cfg.Gate},
		{&b.Bulk, models.Bulk, cfg.Bulk},
		{&b.Substrate, models.Substrate, cfg.Substrate},
	}
	for _, s := range smus {
		t, err := conn.Open(ctx, s.cfg.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s SMU", s.terminal)
		}
		dialect := s.cfg.Dialect
		if dialect == "" {
			dialect = DialectSCPI
		}
		*s.dst = NewSMU(s.terminal, dialect, t)
	}

	var err error
	if cfg.MuxDS != "" {
		if b.MuxDS, err = conn.Open(ctx, cfg.MuxDS); err != nil {
			return nil, errors.Wrap(err, "open DS multiplexer")
		}
	}
	if cfg.MuxGS != "" {
		if b.MuxGS, err = conn.Open(ctx, cfg.MuxGS); err != nil {
			return nil, errors.Wrap(err, "open GS multiplexer")
		}
	}
	if cfg.Lakeshore != "" {
		t, err := conn.Open(ctx, cfg.Lakeshore)
		if err != nil {
			return nil, errors.Wrap(err, "open thermometer")
		}
		b.Thermometer = NewThermometer(t)
	}

	ok = true
	log.Info().
		Str("drain", cfg.Drain.Address).
		Str("gate", cfg.Gate.Address).
		Str("bulk", cfg.Bulk.Address).
		Str("substrate", cfg.Substrate.Address).
		Bool("thermometer", b.Thermometer != nil).
		Msg("Bench opened")
	return b, nil
}

// SMUs returns the SMUs in drain, gate, bulk, substrate order.
func (b *Bench) SMUs() []*SMU {
	out := make([]*SMU, 0, 4)
	for _, s := range []*SMU{b.Drain, b.Gate, b.Bulk, b.Substrate} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Zero sets every SMU to 0 V, gate first, leaving outputs enabled. Failures
// are logged.
func (b *Bench) Zero(ctx context.Context) {
	for _, s := range []*SMU{b.Gate, b.Bulk, b.Drain, b.Substrate} {
		if s == nil {
			continue
		}
		if err := s.SetVoltage(ctx, 0); err != nil {
			log.Warn().Str("terminal", string(s.Terminal)).Err(err).Msg("Failed to zero SMU")
		}
	}
}

// Off zeros and disables every SMU output and opens all multiplexer
// channels. Every instrument is attempted; the first failure is returned.
func (b *Bench) Off(ctx context.Context) error {
	var first error
	for _, s := range b.SMUs() {
		if err := s.Off(ctx); err != nil {
			log.Warn().Str("terminal", string(s.Terminal)).Err(err).Msg("Failed to turn off SMU")
			if first == nil {
				first = err
			}
		}
	}
	for name, m := range map[string]Transport{"ds": b.MuxDS, "gs": b.MuxGS} {
		if m == nil {
			continue
		}
		if err := m.Write(ctx, "ROUTe:OPEN:ALL"); err != nil {
			log.Warn().Str("mux", name).Err(err).Msg("Failed to open multiplexer channels")
			if first == nil {
				first = errors.Wrapf(err, "open %s multiplexer channels", name)
			}
		}
	}
	log.Info().Msg("All SMU outputs off, multiplexer channels open")
	return first
}

// Close releases all sessions.
func (b *Bench) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, s := range b.SMUs() {
		keep(s.Close())
	}
	if b.MuxDS != nil {
		keep(b.MuxDS.Close())
	}
	if b.MuxGS != nil {
		keep(b.MuxGS.Close())
	}
	if b.Thermometer != nil {
		keep(b.Thermometer.Close())
	}
	return first
}
