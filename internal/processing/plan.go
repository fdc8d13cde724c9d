package processing

import (
	"fmt"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/sweep"
	"github.com/RMahshie/ivlab/pkg/models"
)

type plannedSweep struct {
	kind models.SweepKind
	req  sweep.Request
}

// sweepPlan is the ordered list of sweeps of one characterization
type sweepPlan struct {
	sweeps      []plannedSweep
	selfHeating *sweep.SelfHeatingRequest
}

// SubstrateDefault is the source-substrate bias held during sweeps that do
// not step it: 0 V for NMOS, 25 V for PMOS.
func SubstrateDefault(pol models.Polarity) float64 {
	if pol == models.PMOS {
		return 25
	}
	return 0
}

// resolve looks up the biases of one sweep label and applies the protocol.
func (s *characterizationService) resolve(run *models.Run, label string) (bias.Biases, error) {
	b, err := s.biases.Sweep(run.Polarity, label, run.Flavor)
	if err != nil {
		return b, err
	}
	return s.opts.Protocol.apply(label, b)
}

// plan resolves the bias lists of a run into sweeps.
//
// Transfer set 1 steps the body: PMOS over every non-zero bulk voltage,
// NMOS over every non-zero substrate voltage with bulk at its first value.
// Zero body bias is covered by set 2, which runs every drain voltage at the
// default body bias. The output characteristic runs every gate voltage with
// bulk at its first value. Options.Protocol may narrow these lists first.
func (s *characterizationService) plan(run *models.Run) (*sweepPlan, error) {
	set1, err := s.resolve(run, bias.TransferSet1)
	if err != nil {
		return nil, fmt.Errorf("transfer set 1 biases: %w", err)
	}
	set2, err := s.resolve(run, bias.TransferSet2)
	if err != nil {
		return nil, fmt.Errorf("transfer set 2 biases: %w", err)
	}
	out, err := s.resolve(run, bias.Output)
	if err != nil {
		return nil, fmt.Errorf("output biases: %w", err)
	}

	sub := SubstrateDefault(run.Polarity)
	p := &sweepPlan{}
	transfer := func(vd, vb, vsub float64) {
		p.sweeps = append(p.sweeps, plannedSweep{
			kind: models.KindTransfer,
			req: sweep.Request{
				Fixed:            models.Drain,
				Variable:         models.Gate,
				Values:           set1.GateSource,
				FixedVoltage:     vd,
				BulkVoltage:      vb,
				SubstrateVoltage: vsub,
			},
		})
	}

	if len(set1.GateSource) > 0 {
		if run.Polarity == models.PMOS {
			for _, vb := range set1.BulkSource {
				if vb == 0 {
					continue
				}
				for _, vd := range set1.DrainSource {
					transfer(vd, vb, sub)
				}
			}
		} else {
			for _, vsub := range set1.SourceSub {
				if vsub == 0 {
					continue
				}
				for _, vd := range set1.DrainSource {
					transfer(vd, first(set1.BulkSource), vsub)
				}
			}
		}
	}

	if len(set2.GateSource) > 0 {
		for _, vd := range set2.DrainSource {
			p.sweeps = append(p.sweeps, plannedSweep{
				kind: models.KindTransfer,
				req: sweep.Request{
					Fixed:            models.Drain,
					Variable:         models.Gate,
					Values:           set2.GateSource,
					FixedVoltage:     vd,
					BulkVoltage:      first(set2.BulkSource),
					SubstrateVoltage: sub,
				},
			})
		}
	}

	if len(out.DrainSource) > 0 {
		for _, vg := range out.GateSource {
			p.sweeps = append(p.sweeps, plannedSweep{
				kind: models.KindOutput,
				req: sweep.Request{
					Fixed:            models.Gate,
					Variable:         models.Drain,
					Values:           out.DrainSource,
					FixedVoltage:     vg,
					BulkVoltage:      first(out.BulkSource),
					SubstrateVoltage: sub,
				},
			})
		}
	}

	if run.SelfHeating && len(out.DrainSource) > 0 && len(out.GateSource) > 0 {
		p.selfHeating = &sweep.SelfHeatingRequest{
			DrainVoltages:    out.DrainSource,
			GateVoltage:      out.GateSource[len(out.GateSource)-1],
			BulkVoltage:      first(out.BulkSource),
			SubstrateVoltage: sub,
			Cooling:          s.opts.SelfHeatingCooling,
		}
	}
	return p, nil
}

func first(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[0]
}
