package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/pkg/models"
)

// Transport moves ASCII commands to one instrument and reads its replies.
type Transport interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Bus kinds accepted in VISA-style resource strings.
const (
	KindGPIB  = "GPIB"
	KindTCPIP = "TCPIP"
	KindUSB   = "USB"
	KindSim   = "SIM"
)

// Address is a parsed VISA-style resource string such as "GPIB1::24::INSTR",
// "TCPIP0::10.0.0.5::5025::SOCKET", "USB0::0x05E6::0x6510::04510741::INSTR"
// or "SIM::drain".
type Address struct {
	Raw     string
	Kind    string
	Board   int
	Primary int
	Host    string
	Port    int
	// USB identity.
	VendorID  uint16
	ProductID uint16
	Serial    string
	Name      string
}

// ParseAddress parses a resource string.
func ParseAddress(raw string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(raw), "::")
	if len(parts) < 2 {
		return Address{}, errors.Errorf("malformed instrument address %q", raw)
	}
	head := strings.ToUpper(parts[0])
	addr := Address{Raw: raw}

	switch {
	case strings.HasPrefix(head, KindGPIB):
		addr.Kind = KindGPIB
		board, err := boardNumber(head, KindGPIB)
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q", raw)
		}
		primary, err := strconv.Atoi(parts[1])
		if err != nil || primary < 0 || primary > 30 {
			return Address{}, errors.Errorf("address %q: GPIB primary address must be 0-30", raw)
		}
		addr.Board, addr.Primary = board, primary
	case strings.HasPrefix(head, KindTCPIP):
		if len(parts) < 4 || strings.ToUpper(parts[3]) != "SOCKET" {
			return Address{}, errors.Errorf("address %q: only TCPIP raw SOCKET resources are supported", raw)
		}
		addr.Kind = KindTCPIP
		board, err := boardNumber(head, KindTCPIP)
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q", raw)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q: port", raw)
		}
		addr.Board, addr.Host, addr.Port = board, parts[1], port
	case strings.HasPrefix(head, KindUSB):
		if len(parts) < 5 || strings.ToUpper(parts[len(parts)-1]) != "INSTR" {
			return Address{}, errors.Errorf("address %q: USB resources look like USB0::<vendor>::<product>::<serial>::INSTR", raw)
		}
		addr.Kind = KindUSB
		board, err := boardNumber(head, KindUSB)
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q", raw)
		}
		vendor, err := strconv.ParseUint(parts[1], 0, 16)
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q: vendor ID", raw)
		}
		product, err := strconv.ParseUint(parts[2], 0, 16)
		if err != nil {
			return Address{}, errors.Wrapf(err, "address %q: product ID", raw)
		}
		addr.Board, addr.VendorID, addr.ProductID, addr.Serial = board, uint16(vendor), uint16(product), parts[3]
	case head == KindSim:
		addr.Kind = KindSim
		addr.Name = strings.ToLower(parts[1])
	default:
		return Address{}, errors.Errorf("unsupported instrument address %q", raw)
	}
	return addr, nil
}

func boardNumber(head, kind string) (int, error) {
	rest := strings.TrimPrefix(head, kind)
	if rest == "" {
		return 0, nil
	}
	return strconv.Atoi(rest)
}

// String renders addr in the canonical form the LAN and USB drivers take,
// with decimal USB IDs.
func (a Address) String() string {
	switch a.Kind {
	case KindGPIB:
		return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
	case KindTCPIP:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", a.Board, a.Host, a.Port)
	case KindUSB:
		return fmt.Sprintf("USB%d::%d::%d::%s::INSTR", a.Board, a.VendorID, a.ProductID, a.Serial)
	case KindSim:
		return "SIM::" + a.Name
	}
	return a.Raw
}

// ConnectorConfig selects how GPIB and simulated resources are reached.
type ConnectorConfig struct {
	// PrologixPorts maps a GPIB board number to the serial device of its
	// Prologix controller.
	PrologixPorts map[int]string
	Timeout       time.Duration
	// Sim backs SIM:: addresses. A fresh bench is created when nil.
	Sim *SimBench
}

// Connector opens transports by address, sharing one controller per GPIB board.
type Connector struct {
	cfg   ConnectorConfig
	mu    sync.Mutex
	buses map[int]*gpibBus
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Timeout == 0 {
		cfg.Timeout = 50 * time.Second
	}
	return &Connector{cfg: cfg, buses: make(map[int]*gpibBus)}
}

// Sim returns the simulated bench behind SIM:: addresses, creating it on first use.
func (c *Connector) Sim() *SimBench {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Sim == nil {
		c.cfg.Sim = NewSimBench(DefaultSimDevice(models.NMOS))
	}
	return c.cfg.Sim
}

// Open connects to the instrument at raw.
func (c *Connector) Open(ctx context.Context, raw string) (Transport, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}

	switch addr.Kind {
	case KindGPIB:
		bus, err := c.bus(addr.Board)
		if err != nil {
			return nil, err
		}
		return bus.device(addr.Primary)
	case KindTCPIP:
		return dialLAN(ctx, addr, c.cfg.Timeout)
	case KindUSB:
		return openUSB(ctx, addr, c.cfg.Timeout)
	case KindSim:
		return c.Sim().Transport(addr.Name)
	}
	return nil, errors.Errorf("unsupported instrument address %q", raw)
}

func (c *Connector) bus(board int) (*gpibBus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bus, ok := c.buses[board]; ok {
		return bus, nil
	}
	port, ok := c.cfg.PrologixPorts[board]
	if !ok {
		return nil, errors.Errorf("no Prologix controller configured for GPIB%d", board)
	}
	bus, err := openGPIBBus(port, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	log.Info().Int("board", board).Str("port", port).Msg("GPIB controller opened")
	c.buses[board] = bus
	return bus, nil
}

// Close releases all shared bus controllers.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for board, bus := range c.buses {
		if err := bus.close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close GPIB%d", board)
		}
		delete(c.buses, board)
	}
	return first
}

// boundedCall runs fn and gives up when ctx ends or timeout passes. On
// give-up, abort is called to unblock fn and its result is discarded.
func boundedCall[T any](ctx context.Context, timeout time.Duration, abort func(), fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		abort()
		return zero, ctx.Err()
	case <-timer.C:
		abort()
		return zero, errors.Errorf("no reply within %s", timeout)
	}
}
