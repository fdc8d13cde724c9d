//go:build usbtmc

package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/usbtmc"
	_ "github.com/gotmc/usbtmc/driver/google"
	"github.com/pkg/errors"
)

// usbTransport talks USBTMC to instruments such as the DAQ6510 switch
// mainframes. Each transport owns its libusb context.
type usbTransport struct {
	mu      sync.Mutex
	usb     *usbtmc.Context
	dev     *usbtmc.Device
	addr    string
	timeout time.Duration
	broken  bool
}

func openUSB(ctx context.Context, addr Address, timeout time.Duration) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	visa := addr.String()
	usb, err := usbtmc.NewContext()
	if err != nil {
		return nil, errors.Wrap(err, "create USB context")
	}
	dev, err := usb.NewDevice(visa)
	if err != nil {
		usb.Close()
		return nil, errors.Wrapf(err, "open %s", visa)
	}
	return &usbTransport{usb: usb, dev: dev, addr: visa, timeout: timeout}, nil
}

func (u *usbTransport) abort() {
	u.broken = true
	u.dev.Close()
}

func (u *usbTransport) Write(ctx context.Context, cmd string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return errors.Errorf("%s: device closed after a timeout", u.addr)
	}
	_, err := boundedCall(ctx, u.timeout, u.abort, func() (struct{}, error) {
		return struct{}{}, u.dev.Command("%s", cmd)
	})
	return errors.Wrapf(err, "%s write %q", u.addr, cmd)
}

func (u *usbTransport) Query(ctx context.Context, cmd string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return "", errors.Errorf("%s: device closed after a timeout", u.addr)
	}
	resp, err := boundedCall(ctx, u.timeout, u.abort, func() (string, error) {
		return u.dev.Query(cmd)
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s query %q", u.addr, cmd)
	}
	return strings.TrimSpace(resp), nil
}

func (u *usbTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var err error
	if !u.broken {
		u.broken = true
		err = u.dev.Close()
	}
	if cerr := u.usb.Close(); err == nil {
		err = cerr
	}
	return err
}
