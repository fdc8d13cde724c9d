package processing

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/internal/instrument"
	"github.com/RMahshie/ivlab/internal/mux"
	"github.com/RMahshie/ivlab/internal/repository"
	"github.com/RMahshie/ivlab/internal/repository/memory"
	"github.com/RMahshie/ivlab/internal/results"
	"github.com/RMahshie/ivlab/pkg/models"
)

const testBiases = `{
  "NMOS": {
    "Primary sweep: Vgs Set 1": {
      "Vsource_sub": [[0], [0], [0, 1.0]],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[0.1], [0.1], [0.1, 1.0]],
      "Vgate_source": [[0, 1], [0, 1], [0, 1.0, 2.0]]
    },
    "Primary sweep: Vgs Set 2": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[0.1], [0.1], [0.1]],
      "Vgate_source": [[0, 1], [0, 1], [0, 1.5, 3.0]]
    },
    "Primary sweep: Vds": {
      "Vsource_sub": [0, 0, 0],
      "Vbulk_source": [[0], [0], [0]],
      "Vdrain_source": [[0, 1], [0, 1], [0, 1.0, 2.0]],
      "Vgate_source": [[1], [1], [2.0, 3.0]]
    }
  },
  "PMOS": {
    "Primary sweep: Vgs Set 1": {
      "Vsource_sub": [[25], [25], [25]],
      "Vbulk_source": [[0], [0], [0, 1.0, 2.0]],
      "Vdrain_source": [[-0.1], [-0.1], [-0.1]],
      "Vgate_source": [[0, -1], [0, -1], [0, -1.0, -2.0]]
    },
    "Primary sweep: Vgs Set 2": {
      "Vdrain_source": [[-0.1], [-0.1], [-0.1, -25.0]],
      "Vgate_source": [[0, -1], [0, -1], [0, -2.0]]
    },
    "Primary sweep: Vds": {
      "Vdrain_source": [[0, -1], [0, -1], [0, -1.0]],
      "Vgate_source": [[-1], [-1], [-3.0]]
    }
  }
}`

const testMuxes = `{
  "nmos25_FET3": {
    "mux_1": [
      {"channel": 3, "bias_type": "DS", "operation": "drain"},
      {"channel": 7, "bias_type": "GS", "operation": "gate"}
    ]
  },
  "pmos25_FET1": {
    "mux_1": [{"channel": 1, "bias_type": "DS", "operation": "drain"}]
  }
}`

// MockArchive implements storage.Archive for testing
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	args := m.Called(ctx, key, size, contentType)
	return args.Error(0)
}

func (m *MockArchive) GenerateDownloadURL(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockArchive) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArchive) DeleteFile(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

var simBench = instrument.BenchConfig{
	Drain:     instrument.SMUConfig{Address: "SIM::drain"},
	Gate:      instrument.SMUConfig{Address: "SIM::gate"},
	Bulk:      instrument.SMUConfig{Address: "SIM::bulk"},
	Substrate: instrument.SMUConfig{Address: "SIM::sub"},
	MuxDS:     "SIM::mux_ds",
	MuxGS:     "SIM::mux_gs",
	Lakeshore: "SIM::lakeshore",
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type fixture struct {
	svc     CharacterizationService
	repo    repository.RunRepository
	sim     *instrument.SimBench
	archive *MockArchive
	sleeps  *sleepLog
	dataDir string
}

func newFixture(t *testing.T, open func(conn *instrument.Connector) BenchOpener) *fixture {
	t.Helper()

	biases, err := bias.Parse(strings.NewReader(testBiases))
	require.NoError(t, err)
	muxes, err := mux.Parse(strings.NewReader(testMuxes))
	require.NoError(t, err)

	f := &fixture{
		repo:    memory.NewRunRepository(),
		sim:     instrument.NewSimBench(instrument.DefaultSimDevice(models.NMOS)),
		archive: new(MockArchive),
		sleeps:  &sleepLog{},
		dataDir: t.TempDir(),
	}
	conn := instrument.NewConnector(instrument.ConnectorConfig{Sim: f.sim})
	t.Cleanup(func() { conn.Close() })

	opener := func(ctx context.Context) (*instrument.Bench, error) {
		return instrument.OpenBench(ctx, conn, simBench)
	}
	if open != nil {
		opener = open(conn)
	}

	opts := DefaultOptions()
	opts.Sleep = f.sleeps.sleep
	f.svc = NewCharacterizationService(f.repo, f.archive, biases, muxes, results.NewStore(f.dataDir), opener, opts)
	return f
}

func TestRun_CharacterizesNMOS(t *testing.T) {
	f := newFixture(t, nil)
	f.archive.On("Upload", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("int64"), mock.AnythingOfType("string")).Return(nil)

	run, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET3"})
	require.NoError(t, err)
	assert.Equal(t, models.NMOS, run.Polarity)
	assert.Equal(t, models.HV, run.Flavor)

	id := uuid.MustParse(run.ID)
	stored, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)

	sweeps, err := f.repo.GetSweeps(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, len(sweeps))
	for i, s := range sweeps {
		names[i] = s.FileName
		assert.Len(t, s.Points, 3, s.FileName)
	}
	assert.Equal(t, []string{
		"idvg_Vd0p1_Vb0p0_Vsub1p0.csv",
		"idvg_Vd1p0_Vb0p0_Vsub1p0.csv",
		"idvg_Vd0p1_Vb0p0_Vsub0p0.csv",
		"idvd_Vg2p0_Vb0p0_Vsub0p0.csv",
		"idvd_Vg3p0_Vb0p0_Vsub0p0.csv",
	}, names)

	dir := filepath.Join(f.dataDir, "HV", "nmos25_FET3")
	for i, name := range names {
		assert.FileExists(t, filepath.Join(dir, name))
		assert.FileExists(t, filepath.Join(dir, results.MysticDir, results.MysticFileName(models.NMOS, &sweeps[i])))
		assert.FileExists(t, filepath.Join(dir, strings.TrimSuffix(name, ".csv")+".png"))
	}
	assert.FileExists(t, filepath.Join(dir, results.MysticDir, "idvg_Vd0p1_Vs1p0_Vb0p0.csv"))

	f.archive.AssertNumberOfCalls(t, "Upload", 15)
	f.archive.AssertCalled(t, "Upload", mock.Anything, "runs/"+run.ID+"/mystic_format/idvd_Vg3p0_Vb0p0_Vsub0p0.csv", mock.Anything, "text/csv")
	f.archive.AssertCalled(t, "Upload", mock.Anything, "runs/"+run.ID+"/idvd_Vg3p0_Vb0p0_Vsub0p0.png", mock.Anything, "image/png")

	assert.Equal(t, []int{103}, f.sim.Closed(instrument.SimMuxDS))
	assert.Equal(t, []int{107}, f.sim.Closed(instrument.SimMuxGS))
	assert.Contains(t, f.sim.Commands(instrument.SimDrain), ":SYST:RSEN ON")
	assert.Contains(t, f.sim.Commands(instrument.SimGate), ":SYST:RSEN OFF")
	assert.Contains(t, f.sim.Commands(instrument.SimSubstrate), ":SENS:CURR:RANG 0.01")
	for _, name := range []string{instrument.SimDrain, instrument.SimGate, instrument.SimBulk, instrument.SimSubstrate} {
		assert.Zero(t, f.sim.Level(name), "%s left biased", name)
	}
}

func TestRun_SelfHeatingSeries(t *testing.T) {
	f := newFixture(t, nil)
	f.archive.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	run, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET3", SelfHeating: true})
	require.NoError(t, err)

	sweeps, err := f.repo.GetSweeps(context.Background(), uuid.MustParse(run.ID))
	require.NoError(t, err)
	require.Len(t, sweeps, 6)
	last := sweeps[5]
	assert.Equal(t, models.KindSelfHeating, last.Kind)
	assert.Equal(t, "idvd_paused_meas_Vg3p0_Vb0p0_Vsub0p0.csv", last.FileName)
	assert.Equal(t, 3.0, last.FixedVoltage)

	dir := filepath.Join(f.dataDir, "HV", "nmos25_FET3")
	assert.NoFileExists(t, filepath.Join(dir, results.MysticDir, last.FileName))

	cooling := 0
	for _, d := range f.sleeps.waits {
		if d == 2*time.Minute {
			cooling++
		}
	}
	assert.Equal(t, 2, cooling, "cooling between three points")
}

func TestRun_PMOSTransferSetSkipsZeroBulk(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.SetDevice(instrument.DefaultSimDevice(models.PMOS))
	f.archive.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	run, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "pmos25_FET1"})
	require.NoError(t, err)

	sweeps, err := f.repo.GetSweeps(context.Background(), uuid.MustParse(run.ID))
	require.NoError(t, err)
	names := make([]string, len(sweeps))
	for i, s := range sweeps {
		names[i] = s.FileName
	}
	assert.Equal(t, []string{
		"idvg_Vd-0p1_Vb1p0_Vsub25p0.csv",
		"idvg_Vd-0p1_Vb2p0_Vsub25p0.csv",
		"idvg_Vd-0p1_Vb0p0_Vsub25p0.csv",
		"idvg_Vd-25p0_Vb0p0_Vsub25p0.csv",
		"idvd_Vg-3p0_Vb0p0_Vsub25p0.csv",
	}, names)
}

func TestRun_RejectsBadTransistor(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "diode_D1"})
	assert.ErrorIs(t, err, ErrInvalidTransistor)

	_, err = f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET9"})
	assert.ErrorIs(t, err, ErrUnknownTransistor)

	_, err = f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET3", Flavor: "XV"})
	assert.ErrorIs(t, err, bias.ErrUnknownFlavor)
}

func TestRun_OpenFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t, func(*instrument.Connector) BenchOpener {
		return func(context.Context) (*instrument.Bench, error) {
			return nil, errors.New("GPIB1 not responding")
		}
	})

	run, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET3"})
	require.Error(t, err)

	stored, err := f.repo.GetByID(context.Background(), uuid.MustParse(run.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMsg)
	assert.Contains(t, *stored.ErrorMsg, "GPIB1 not responding")
}

func TestRun_ArchiveFailureKeepsRunGoing(t *testing.T) {
	f := newFixture(t, nil)
	f.archive.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bucket gone"))

	run, err := f.svc.Run(context.Background(), StartRequest{TransistorKey: "nmos25_FET3"})
	require.NoError(t, err)

	stored, err := f.repo.GetByID(context.Background(), uuid.MustParse(run.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestStart_BenchBusy(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(conn *instrument.Connector) BenchOpener {
		return func(ctx context.Context) (*instrument.Bench, error) {
			<-release
			return instrument.OpenBench(ctx, conn, simBench)
		}
	})
	f.archive.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	run, err := f.svc.Start(ctx, StartRequest{TransistorKey: "nmos25_FET3"})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, StartRequest{TransistorKey: "nmos25_FET3"})
	assert.ErrorIs(t, err, ErrBenchBusy)
	_, err = f.svc.Run(ctx, StartRequest{TransistorKey: "nmos25_FET3"})
	assert.ErrorIs(t, err, ErrBenchBusy)

	close(release)

	id := uuid.MustParse(run.ID)
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var final *models.Run
	for final == nil {
		select {
		case <-timeout:
			t.Fatal("Run timed out")
		case <-ticker.C:
			r, err := f.repo.GetByID(ctx, id)
			require.NoError(t, err)
			if r.Status == models.StatusCompleted || r.Status == models.StatusFailed {
				final = r
			}
		}
	}
	assert.Equal(t, models.StatusCompleted, final.Status)

	// the bench is free again once the run has finished
	require.Eventually(t, func() bool {
		_, err := f.svc.Run(ctx, StartRequest{TransistorKey: "nmos25_FET3"})
		return !errors.Is(err, ErrBenchBusy)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOff_DisablesOutputsAndOpensChannels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bench, err := instrument.OpenBench(ctx, instrument.NewConnector(instrument.ConnectorConfig{Sim: f.sim}), simBench)
	require.NoError(t, err)
	require.NoError(t, bench.Drain.Configure(ctx, instrument.DefaultConfigureOptions()))
	require.NoError(t, bench.MuxDS.Write(ctx, "ROUT:CLOS (@101)"))
	require.True(t, f.sim.OutputOn(instrument.SimDrain))

	require.NoError(t, f.svc.Off(ctx))

	assert.False(t, f.sim.OutputOn(instrument.SimDrain))
	assert.Empty(t, f.sim.Closed(instrument.SimMuxDS))
}

func TestSubstrateDefault(t *testing.T) {
	assert.Equal(t, 0.0, SubstrateDefault(models.NMOS))
	assert.Equal(t, 25.0, SubstrateDefault(models.PMOS))
}
