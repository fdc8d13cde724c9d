package instrument

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Thermometer reads a Lakeshore temperature controller.
type Thermometer struct {
	t Transport
}

// NewThermometer wraps a transport.
func NewThermometer(t Transport) *Thermometer {
	return &Thermometer{t: t}
}

// Read returns the temperature of channel A or B in Kelvin.
func (th *Thermometer) Read(ctx context.Context, channel string) (float64, error) {
	resp, err := th.t.Query(ctx, "KRDG? "+channel)
	if err != nil {
		return 0, errors.Wrapf(err, "read temperature channel %s", channel)
	}
	k, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse temperature channel %s", channel)
	}
	return k, nil
}

// Close releases the transport.
func (th *Thermometer) Close() error {
	return th.t.Close()
}
