package processing

import (
	"fmt"
	"math"

	"github.com/RMahshie/ivlab/internal/bias"
)

// Protocol narrows or refines the resolved bias lists before sweeps are
// planned. The zero value runs every listed bias unchanged.
type Protocol struct {
	// BiasLimit drops biases whose magnitude exceeds it. Zero disables.
	BiasLimit float64
	// OutputGateMin runs output sweeps only for |Vg| above it. Zero disables.
	OutputGateMin float64
	// TransferSet2Drains limits transfer set 2 to these |Vd|. Empty runs all.
	TransferSet2Drains []float64
	// DrainRefine adds drain points to output sweeps.
	DrainRefine *bias.Refinement
	// GateLogAfter log-spaces transfer gate voltages past this value.
	GateLogAfter *float64
}

// LabProtocol is the bench's historical selection: output sweeps above
// 20.5 V of gate drive and transfer set 2 at 0.1 V and 25 V only.
func LabProtocol() Protocol {
	return Protocol{OutputGateMin: 20.5, TransferSet2Drains: []float64{0.1, 25}}
}

// apply returns b adjusted for the sweep label.
func (p Protocol) apply(label string, b bias.Biases) (bias.Biases, error) {
	if p.BiasLimit > 0 {
		b.SourceSub = bias.DropAbove(b.SourceSub, p.BiasLimit)
		b.BulkSource = bias.DropAbove(b.BulkSource, p.BiasLimit)
		b.DrainSource = bias.DropAbove(b.DrainSource, p.BiasLimit)
		b.GateSource = bias.DropAbove(b.GateSource, p.BiasLimit)
	}

	var err error
	switch label {
	case bias.TransferSet1, bias.TransferSet2:
		if label == bias.TransferSet2 && len(p.TransferSet2Drains) > 0 {
			b.DrainSource = keepMagnitudes(b.DrainSource, p.TransferSet2Drains)
		}
		if p.GateLogAfter != nil && len(b.GateSource) > 0 {
			if b.GateSource, err = bias.LogSpacingAfter(b.GateSource, *p.GateLogAfter); err != nil {
				return b, fmt.Errorf("%s gate spacing: %w", label, err)
			}
		}
	case bias.Output:
		if p.OutputGateMin > 0 {
			b.GateSource = bias.KeepAbove(b.GateSource, p.OutputGateMin)
		}
		if p.DrainRefine != nil && len(b.DrainSource) > 0 {
			if b.DrainSource, err = p.DrainRefine.Apply(b.DrainSource); err != nil {
				return b, fmt.Errorf("%s drain refinement: %w", label, err)
			}
		}
	}
	return b, nil
}

// keepMagnitudes keeps the values whose magnitude is one of wanted.
func keepMagnitudes(values, wanted []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		for _, w := range wanted {
			if math.Abs(math.Abs(v)-math.Abs(w)) < 1e-9 {
				out = append(out, v)
				break
			}
		}
	}
	return out
}
