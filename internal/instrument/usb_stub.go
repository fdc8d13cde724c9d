//go:build !usbtmc

package instrument

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrUSBUnavailable is returned when opening a USB address in a build
// without USBTMC support. USBTMC needs cgo and libusb.
var ErrUSBUnavailable = errors.New("USB instruments need a build with -tags usbtmc")

func openUSB(_ context.Context, addr Address, _ time.Duration) (Transport, error) {
	return nil, errors.Wrapf(ErrUSBUnavailable, "open %s", addr.String())
}
