package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/lxi"
	"github.com/pkg/errors"
)

// lanTransport speaks SCPI over a raw LXI socket, as LAN-attached DAQ
// multiplexers expose on port 5025. A call that outlives the timeout closes
// the socket, after which every call fails.
type lanTransport struct {
	mu      sync.Mutex
	dev     *lxi.Device
	addr    string
	timeout time.Duration
	broken  bool
}

func dialLAN(ctx context.Context, addr Address, timeout time.Duration) (Transport, error) {
	visa := addr.String()
	var mu sync.Mutex
	abandoned := false
	dev, err := boundedCall(ctx, timeout, func() {
		mu.Lock()
		abandoned = true
		mu.Unlock()
	}, func() (*lxi.Device, error) {
		d, err := lxi.NewDevice(visa)
		mu.Lock()
		defer mu.Unlock()
		if err == nil && abandoned {
			d.Close()
		}
		return d, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", visa)
	}
	return &lanTransport{dev: dev, addr: visa, timeout: timeout}, nil
}

func (l *lanTransport) abort() {
	l.broken = true
	l.dev.Close()
}

func (l *lanTransport) Write(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return errors.Errorf("%s: connection closed after a timeout", l.addr)
	}
	_, err := boundedCall(ctx, l.timeout, l.abort, func() (struct{}, error) {
		return struct{}{}, l.dev.Command("%s", cmd)
	})
	return errors.Wrapf(err, "%s write %q", l.addr, cmd)
}

func (l *lanTransport) Query(ctx context.Context, cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return "", errors.Errorf("%s: connection closed after a timeout", l.addr)
	}
	resp, err := boundedCall(ctx, l.timeout, l.abort, func() (string, error) {
		return l.dev.Query(cmd)
	})
	if err != nil {
		return "", errors.Wrapf(err, "%s query %q", l.addr, cmd)
	}
	return strings.TrimSpace(resp), nil
}

func (l *lanTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return nil
	}
	l.broken = true
	return l.dev.Close()
}
