package mux

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSwitch struct {
	cmds []string
	err  error
}

func (s *recordingSwitch) Write(ctx context.Context, cmd string) error {
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

const sampleMux = `{
  "nmos25_FET3": {
    "mux_a": [
      {"channel": 1, "bias_type": "DS", "operation": "drain"},
      {"channel": 2, "bias_type": "GS", "operation": "gate"},
      {"channel": 9, "bias_type": "sense", "operation": "none"}
    ],
    "mux_b": [
      {"channel": 12, "bias_type": "VDS_4W", "operation": "drain sense"}
    ]
  },
  "pmos25_FET1": {}
}`

func TestParse(t *testing.T) {
	in, err := Parse(strings.NewReader(sampleMux))
	require.NoError(t, err)
	assert.Equal(t, []string{"nmos25_FET3", "pmos25_FET1"}, in.Transistors())
	assert.Len(t, in["nmos25_FET3"]["mux_a"], 3)
	assert.Equal(t, Directive{Channel: 12, BiasType: "VDS_4W", Operation: "drain sense"}, in["nmos25_FET3"]["mux_b"][0])

	_, err = Parse(strings.NewReader(`[1, 2]`))
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	in, err := Parse(strings.NewReader(sampleMux))
	require.NoError(t, err)

	ds, gs := &recordingSwitch{}, &recordingSwitch{}
	n, err := NewRouter(ds, gs).Route(context.Background(), in["nmos25_FET3"])
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"ROUTe:OPEN:ALL", `:FUNC "VOLT:DC"`, "ROUT:CLOS (@101)", "ROUT:CLOS (@112)"}, ds.cmds)
	assert.Equal(t, []string{"ROUTe:OPEN:ALL", `:FUNC "VOLT:DC"`, "ROUT:CLOS (@102)"}, gs.cmds)
}

func TestRoute_MissingSwitchSkips(t *testing.T) {
	ds := &recordingSwitch{}
	n, err := NewRouter(ds, nil).Route(context.Background(), map[string][]Directive{
		"m": {{Channel: 3, BiasType: "GS"}, {Channel: 4, BiasType: "DS"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ROUT:CLOS (@104)", ds.cmds[len(ds.cmds)-1])
}

func TestRoute_WriteError(t *testing.T) {
	ds := &recordingSwitch{err: errors.New("bus down")}
	_, err := NewRouter(ds, &recordingSwitch{}).Route(context.Background(), nil)
	assert.Error(t, err)
}
