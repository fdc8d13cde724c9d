package bias

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/ivlab/pkg/models"
)

const sampleInstructions = `{
  "NMOS": {
    "Primary sweep: Vds": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0.0], [0.0, -1.0], [0.0, -2.5]],
      "Vdrain_source": [[0.0, 0.6, 1.2], [0.0, 1.65, 3.3], [0.0, 12.5, 25.0]],
      "Vgate_source": [[0.6, 1.2], [1.65, 3.3], [12.5, 25.0]]
    }
  },
  "PMOS": {
    "Primary sweep: Vgs Set 1": {
      "Vgate_source": [[0.0, -0.6], "bad", [0.0, -12.5, -25.0]],
      "Vdrain_source": [[-0.1], [-0.1], [-0.1, -25.0]]
    }
  },
  "Unknown": {}
}`

func TestParse_LooksUpFlavorColumn(t *testing.T) {
	set, err := Parse(strings.NewReader(sampleInstructions))
	require.NoError(t, err)

	b, err := set.Sweep(models.NMOS, Output, models.HV)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, b.SourceSub)
	assert.Equal(t, []float64{0.0, -2.5}, b.BulkSource)
	assert.Equal(t, []float64{0.0, 12.5, 25.0}, b.DrainSource)
	assert.Equal(t, []float64{12.5, 25.0}, b.GateSource)

	b, err = set.Sweep(models.NMOS, Output, models.LV)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6, 1.2}, b.GateSource)
}

func TestParse_MalformedEntryKeepsColumnsAligned(t *testing.T) {
	set, err := Parse(strings.NewReader(sampleInstructions))
	require.NoError(t, err)

	mv, err := set.Sweep(models.PMOS, TransferSet1, models.MV)
	require.NoError(t, err)
	assert.Empty(t, mv.GateSource)

	hv, err := set.Sweep(models.PMOS, TransferSet1, models.HV)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.0, -12.5, -25.0}, hv.GateSource)
	assert.Empty(t, hv.BulkSource, "missing terminal yields an empty list")
}

func TestSweep_Errors(t *testing.T) {
	set, err := Parse(strings.NewReader(`{"NMOS": {"Primary sweep: Vds": {"Vgate_source": [[1.0]]}}}`))
	require.NoError(t, err)

	_, err = set.Sweep(models.NMOS, Output, models.Flavor("XV"))
	assert.ErrorIs(t, err, ErrUnknownFlavor)

	_, err = set.Sweep(models.NMOS, Output, models.HV)
	assert.ErrorIs(t, err, ErrFlavorMissing)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"NMOS": [`))
	assert.Error(t, err)
}

func TestParseCell(t *testing.T) {
	tests := []struct {
		name string
		cell string
		want []float64
	}{
		{"zero", "0", []float64{0}},
		{"ascending range", "0 to 1 in steps of 0.25", []float64{0, 0.25, 0.5, 0.75, 1}},
		{"descending range", "0V to -1V in steps of 0.5V", []float64{0, -0.5, -1}},
		{"range with note", "0 to 0.3 in steps of 0.1 (fine)", []float64{0, 0.1, 0.2, 0.3}},
		{"discrete", "0.5 / 1.0 / 2.5V", []float64{0.5, 1.0, 2.5}},
		{"scalar", "3.3V", []float64{3.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCell(tt.cell)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseCell_Unhandled(t *testing.T) {
	_, err := ParseCell("sweep everything")
	assert.ErrorIs(t, err, ErrUnhandledFormat)
}

func TestParseCell_RangeRoundTrip(t *testing.T) {
	ranges := []struct{ start, stop, step float64 }{
		{0, 1.2, 0.1},
		{0, 25, 0.5},
		{-3.3, 0, 0.05},
		{1.8, -1.8, 0.2},
	}
	for _, r := range ranges {
		want, err := Steps(r.start, r.stop, r.step)
		require.NoError(t, err)

		got, err := ParseCell(FormatRange(r.start, r.stop, r.step))
		require.NoError(t, err)
		assert.Equal(t, want, got, FormatRange(r.start, r.stop, r.step))
		assert.InDelta(t, r.start, got[0], 1e-9)
		assert.InDelta(t, r.stop, got[len(got)-1], 1e-9)
	}
}

func TestDropAbove(t *testing.T) {
	assert.Equal(t, []float64{-20, 0, 12.5, 20}, DropAbove([]float64{-25, -20, 0, 12.5, 20, 20.5}, 20))
}

func TestInsertEvenlySpaced(t *testing.T) {
	got, err := InsertEvenlySpaced([]float64{0, 1, 2}, 0.5, 1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.75, 1, 1.25, 2}, got)

	got, err = InsertEvenlySpaced([]float64{2, 0}, 0, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1.5, 1, 0.5, 0}, got)

	_, err = InsertEvenlySpaced([]float64{0, 1}, 0, 1, 0)
	assert.Error(t, err)
}

func TestLogSpacingAfter(t *testing.T) {
	got, err := LogSpacingAfter([]float64{0, 0.1, 1, 10, 100}, 0.1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.1, 0.562, 3.162, 17.783, 100}, got)

	got, err = LogSpacingAfter([]float64{-0.1, -0.2, -0.3}, -0.1)
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.1, -0.144, -0.208, -0.3}, got)

	got, err = LogSpacingAfter([]float64{0, 0.5, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1}, got, "nothing after the changepoint")

	_, err = LogSpacingAfter([]float64{0, 1, 2}, 5)
	assert.Error(t, err)
}

func TestKeepAbove(t *testing.T) {
	assert.Equal(t, []float64{-25, 21, 25}, KeepAbove([]float64{-25, -20.5, 0, 20.5, 21, 25}, 20.5))
}

func TestParseRefinement(t *testing.T) {
	r, err := ParseRefinement("2:0:3")
	require.NoError(t, err)
	assert.Equal(t, Refinement{Start: 0, Stop: 2, Points: 3}, r)

	got, err := r.Apply([]float64{0, 2, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1, 1.5, 2, 4}, got)

	for _, bad := range []string{"", "0:2", "a:2:1", "0:b:1", "0:2:x", "0:2:0"} {
		_, err := ParseRefinement(bad)
		assert.Error(t, err, bad)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "0 to 25 in steps of 0.5 V", Describe(mustSteps(t, 0, 25, 0.5)))
	assert.Equal(t, "0 to -1.8 in steps of 0.2 V", Describe(mustSteps(t, 0, -1.8, 0.2)))
	assert.Equal(t, "0.1 / 25", Describe([]float64{0.1, 25}))
	assert.Equal(t, "0 / 0.1 / 1", Describe([]float64{0, 0.1, 1}))

	for _, values := range [][]float64{mustSteps(t, -3.3, 0, 0.05), {0.6, 1.2}, {2}} {
		back, err := ParseCell(Describe(values))
		require.NoError(t, err)
		assert.InDeltaSlice(t, values, back, 1e-9)
	}
}

func mustSteps(t *testing.T, start, stop, step float64) []float64 {
	t.Helper()
	v, err := Steps(start, stop, step)
	require.NoError(t, err)
	return v
}

func TestParse_AcceptsBiasTableText(t *testing.T) {
	set, err := Parse(strings.NewReader(`{"NMOS": {"Primary sweep: Vds": {
		"Vdrain_source": ["0 to 1 in steps of 0.5 V", "0 to 3.3 in steps of 1.1 V", "0V to 25V in steps of 12.5V"],
		"Vgate_source": ["0.6 / 1.2", [1.65, 3.3], 25]
	}}}`))
	require.NoError(t, err)

	b, err := set.Sweep(models.NMOS, Output, models.HV)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 12.5, 25}, b.DrainSource)
	assert.Equal(t, []float64{25}, b.GateSource)

	b, err = set.Sweep(models.NMOS, Output, models.LV)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1}, b.DrainSource)
	assert.Equal(t, []float64{0.6, 1.2}, b.GateSource)
}
