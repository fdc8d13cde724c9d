package processing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/pkg/models"
)

func planFor(t *testing.T, pol models.Polarity, protocol Protocol) (*sweepPlan, error) {
	t.Helper()
	biases, err := bias.Parse(strings.NewReader(testBiases))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Protocol = protocol
	svc := &characterizationService{biases: biases, opts: opts}
	return svc.plan(&models.Run{Polarity: pol, Flavor: models.HV})
}

func kinds(p *sweepPlan) map[models.SweepKind][]float64 {
	out := map[models.SweepKind][]float64{}
	for _, s := range p.sweeps {
		out[s.kind] = append(out[s.kind], s.req.FixedVoltage)
	}
	return out
}

func TestPlan_ZeroProtocolRunsEveryBias(t *testing.T) {
	p, err := planFor(t, models.PMOS, Protocol{})
	require.NoError(t, err)
	got := kinds(p)
	assert.Equal(t, []float64{-0.1, -0.1, -0.1, -25}, got[models.KindTransfer])
	assert.Equal(t, []float64{-3}, got[models.KindOutput])
}

func TestPlan_ProtocolSelectsDrainsAndGates(t *testing.T) {
	p, err := planFor(t, models.PMOS, Protocol{TransferSet2Drains: []float64{25}, OutputGateMin: 2.5})
	require.NoError(t, err)
	got := kinds(p)
	assert.Equal(t, []float64{-0.1, -0.1, -25}, got[models.KindTransfer])
	assert.Equal(t, []float64{-3}, got[models.KindOutput])
}

func TestPlan_LabProtocolSkipsLowGateOutput(t *testing.T) {
	p, err := planFor(t, models.PMOS, LabProtocol())
	require.NoError(t, err)
	got := kinds(p)
	assert.Equal(t, []float64{-0.1, -0.1, -0.1, -25}, got[models.KindTransfer])
	assert.Empty(t, got[models.KindOutput])
}

func TestPlan_BiasLimit(t *testing.T) {
	p, err := planFor(t, models.PMOS, Protocol{BiasLimit: 1.5})
	require.NoError(t, err)
	require.Len(t, p.sweeps, 2)

	assert.Equal(t, 1.0, p.sweeps[0].req.BulkVoltage)
	assert.Equal(t, []float64{0, -1}, p.sweeps[0].req.Values)
	assert.Equal(t, -0.1, p.sweeps[1].req.FixedVoltage)
	assert.Equal(t, []float64{0}, p.sweeps[1].req.Values)
}

func TestPlan_DrainRefinement(t *testing.T) {
	p, err := planFor(t, models.PMOS, Protocol{DrainRefine: &bias.Refinement{Start: -1, Stop: 0, Points: 1}})
	require.NoError(t, err)
	last := p.sweeps[len(p.sweeps)-1]
	require.Equal(t, models.KindOutput, last.kind)
	assert.Equal(t, []float64{0, -0.5, -1}, last.req.Values)
}

func TestPlan_GateLogSpacingNeedsChangepoint(t *testing.T) {
	cp := 1.0
	_, err := planFor(t, models.NMOS, Protocol{GateLogAfter: &cp})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer set 2")
}

func TestProtocol_GateLogSpacing(t *testing.T) {
	cp := 1.0
	b, err := Protocol{GateLogAfter: &cp}.apply(bias.TransferSet1, bias.Biases{GateSource: []float64{0, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1.414, 2}, b.GateSource)

	b, err = Protocol{GateLogAfter: &cp}.apply(bias.Output, bias.Biases{GateSource: []float64{0, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, b.GateSource, "output gates are not respaced")
}
