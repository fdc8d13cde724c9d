// Package mux routes transistor terminals to the SMUs through the two
// switching multiplexers of the bench.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Keithley 6510 channel numbering starts at slot 1, channel 1 = 101.
const channelBase = 100

// Directive closes one multiplexer channel.
type Directive struct {
	Channel   int    `json:"channel"`
	BiasType  string `json:"bias_type"`
	Operation string `json:"operation"`
}

// Instructions maps transistor key -> multiplexer name -> directives.
type Instructions map[string]map[string][]Directive

// Load reads a MUX instruction JSON file.
func Load(path string) (Instructions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mux instructions: %w", err)
	}
	defer f.Close()

	in, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("transistors", len(in)).Msg("MUX instructions loaded")
	return in, nil
}

// Parse decodes MUX instructions.
func Parse(r io.Reader) (Instructions, error) {
	var in Instructions
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode mux instructions: %w", err)
	}
	return in, nil
}

// Transistors returns the transistor keys in sorted order.
func (in Instructions) Transistors() []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Switch is a multiplexer session.
type Switch interface {
	Write(ctx context.Context, cmd string) error
}

// Router drives the drain-source (top) and gate-source (bottom) multiplexers.
type Router struct {
	ds Switch
	gs Switch
}

// NewRouter creates a router. Either switch may be nil when absent from the bench.
func NewRouter(ds, gs Switch) *Router {
	return &Router{ds: ds, gs: gs}
}

// OpenAll opens every channel on both multiplexers.
func (r *Router) OpenAll(ctx context.Context) error {
	for _, sw := range r.switches() {
		if err := sw.Write(ctx, "ROUTe:OPEN:ALL"); err != nil {
			return fmt.Errorf("open all channels: %w", err)
		}
	}
	return nil
}

// Route opens every channel, selects DC voltage mode and closes the channels
// listed for one transistor. DS directives go to the top multiplexer and GS
// directives to the bottom one; anything else is skipped. It returns the
// number of channels closed.
func (r *Router) Route(ctx context.Context, muxes map[string][]Directive) (int, error) {
	if err := r.OpenAll(ctx); err != nil {
		return 0, err
	}
	for _, sw := range r.switches() {
		if err := sw.Write(ctx, `:FUNC "VOLT:DC"`); err != nil {
			return 0, fmt.Errorf("select DC voltage function: %w", err)
		}
	}

	names := make([]string, 0, len(muxes))
	for name := range muxes {
		names = append(names, name)
	}
	sort.Strings(names)

	closed := 0
	for _, name := range names {
		for _, d := range muxes[name] {
			var sw Switch
			var side string
			switch {
			case strings.Contains(d.BiasType, "DS"):
				sw, side = r.ds, "DS"
			case strings.Contains(d.BiasType, "GS"):
				sw, side = r.gs, "GS"
			default:
				log.Warn().Str("mux", name).Int("channel", d.Channel).Str("bias_type", d.BiasType).
					Msg("Bias type is neither DS nor GS, skipping")
				continue
			}
			if sw == nil {
				log.Warn().Str("mux", name).Str("side", side).Int("channel", d.Channel).
					Msg("No multiplexer configured for directive, skipping")
				continue
			}

			ch := channelBase + d.Channel
			if err := sw.Write(ctx, fmt.Sprintf("ROUT:CLOS (@%d)", ch)); err != nil {
				return closed, fmt.Errorf("close channel %d on %s multiplexer: %w", ch, side, err)
			}
			closed++
			log.Debug().Str("mux", name).Str("side", side).Int("channel", ch).
				Str("operation", d.Operation).Msg("Closed channel")
		}
	}
	return closed, nil
}

func (r *Router) switches() []Switch {
	var out []Switch
	if r.ds != nil {
		out = append(out, r.ds)
	}
	if r.gs != nil {
		out = append(out, r.gs)
	}
	return out
}
