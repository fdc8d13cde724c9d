package instrument

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	"github.com/gotmc/prologix/driver/vcp"
	"github.com/pkg/errors"
)

// Prologix read_tmo_ms bounds.
const (
	minReadTimeout = time.Millisecond
	maxReadTimeout = 3 * time.Second
)

// gpibBus is one Prologix USB-GPIB controller. Every instrument on the board
// shares the serial port, so transactions are serialized and the controller
// is re-addressed whenever the target instrument changes.
type gpibBus struct {
	mu      sync.Mutex
	port    io.ReadWriteCloser
	ctrls   map[int]*prologix.Controller
	current int
	// timeout bounds a whole query; readTimeout is the controller's own
	// per-read limit, after which another ++read is issued.
	timeout     time.Duration
	readTimeout time.Duration
}

func openGPIBBus(serialPort string, timeout time.Duration) (*gpibBus, error) {
	port, err := vcp.NewVCP(serialPort)
	if err != nil {
		return nil, errors.Wrapf(err, "open Prologix serial port %s", serialPort)
	}
	return newGPIBBus(port, timeout), nil
}

func newGPIBBus(port io.ReadWriteCloser, timeout time.Duration) *gpibBus {
	return &gpibBus{
		port:        port,
		ctrls:       make(map[int]*prologix.Controller),
		current:     -1,
		timeout:     timeout,
		readTimeout: controllerReadTimeout(timeout),
	}
}

// controllerReadTimeout clamps timeout to what the Prologix accepts.
func controllerReadTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout < minReadTimeout:
		return minReadTimeout
	case timeout > maxReadTimeout:
		return maxReadTimeout
	}
	return timeout
}

func (b *gpibBus) device(primary int) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ctrls[primary]; !ok {
		ctrl, err := prologix.NewController(b.port, primary, false)
		if err != nil {
			return nil, errors.Wrapf(err, "create GPIB controller for address %d", primary)
		}
		if err := ctrl.SetReadTimeout(int(b.readTimeout / time.Millisecond)); err != nil {
			return nil, errors.Wrapf(err, "set GPIB read timeout for address %d", primary)
		}
		b.ctrls[primary] = ctrl
		b.current = primary
	}
	return &gpibDevice{bus: b, primary: primary}, nil
}

// selectLocked points the controller at primary. Caller holds b.mu.
func (b *gpibBus) selectLocked(primary int) error {
	if b.current == primary {
		return nil
	}
	if err := b.ctrls[primary].CommandController(fmt.Sprintf("addr %d", primary)); err != nil {
		return errors.Wrapf(err, "address GPIB device %d", primary)
	}
	b.current = primary
	return nil
}

func (b *gpibBus) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for primary, ctrl := range b.ctrls {
		// Hand the front panels back to the operator.
		if b.selectLocked(primary) == nil {
			_ = ctrl.FrontPanel(true)
		}
	}
	return b.port.Close()
}

type gpibDevice struct {
	bus     *gpibBus
	primary int
}

func (d *gpibDevice) Write(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if err := d.bus.selectLocked(d.primary); err != nil {
		return err
	}
	if err := d.bus.ctrls[d.primary].Command("%s", cmd); err != nil {
		return errors.Wrapf(err, "GPIB %d write %q", d.primary, cmd)
	}
	return nil
}

// Query sends cmd and reads one newline terminated reply. The serial port
// gives up after half a second of silence, so slow replies such as averaged
// readings are collected over several reads until the bus timeout expires.
func (d *gpibDevice) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if err := d.bus.selectLocked(d.primary); err != nil {
		return "", err
	}

	ctrl := d.bus.ctrls[d.primary]
	resp, err := ctrl.Query(cmd)
	if err != nil {
		return "", errors.Wrapf(err, "GPIB %d query %q", d.primary, cmd)
	}

	deadline := time.Now().Add(d.bus.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	lastRead := time.Now()
	for !strings.HasSuffix(resp, "\n") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errors.Errorf("GPIB %d query %q: no complete reply within %s", d.primary, cmd, d.bus.timeout)
		}
		if time.Since(lastRead) >= d.bus.readTimeout {
			if err := ctrl.CommandController("read eoi"); err != nil {
				return "", errors.Wrapf(err, "GPIB %d read", d.primary)
			}
			lastRead = time.Now()
		}
		more, err := bufio.NewReader(d.bus.port).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", errors.Wrapf(err, "GPIB %d read reply to %q", d.primary, cmd)
		}
		resp += more
	}
	return strings.TrimSpace(resp), nil
}

// Close is a no-op; the shared bus is released by Connector.Close.
func (d *gpibDevice) Close() error { return nil }
