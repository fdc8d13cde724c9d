// Package results writes recorded sweeps to disk in the lab's 15-column
// format and in the reduced format read by the device modeling tool.
package results

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/pkg/models"
)

// LabHeader is the first line of every lab format file.
const LabHeader = "Vd_src, Vg_src, Vb_src,Vsub_src, Id, Ib, Isub, Ig, Vd_meas, Vb_meas, Vsub_meas, Vg_meas,TempA,TempB,Elapsed_time"

// MysticDir is the subdirectory holding modeling tool files.
const MysticDir = "mystic_format"

// FileName returns the lab file name of a sweep, e.g.
// "idvd_Vg25p0_Vb0p0_Vsub0p0.csv". Decimal points become "p".
func FileName(rec *models.SweepRecord) string {
	b, s := token(rec.BulkVoltage), token(rec.SubstrateVoltage)
	switch rec.Kind {
	case models.KindTransfer:
		return fmt.Sprintf("idvg_Vd%s_Vb%s_Vsub%s.csv", token(rec.FixedVoltage), b, s)
	case models.KindSelfHeating:
		return fmt.Sprintf("idvd_paused_meas_Vg%s_Vb%s_Vsub%s.csv", token(rec.FixedVoltage), b, s)
	default:
		return fmt.Sprintf("idvd_Vg%s_Vb%s_Vsub%s.csv", token(rec.FixedVoltage), b, s)
	}
}

// MysticFileName returns the modeling tool file name of a sweep. NMOS
// transfer sweeps with a stepped substrate carry it as the source bias,
// e.g. "idvg_Vd0p1_Vs-2p0_Vb0p0.csv".
func MysticFileName(pol models.Polarity, rec *models.SweepRecord) string {
	if substrateAsSource(pol, rec) {
		return fmt.Sprintf("idvg_Vd%s_Vs%s_Vb%s.csv", token(rec.FixedVoltage), token(rec.SubstrateVoltage), token(rec.BulkVoltage))
	}
	return FileName(rec)
}

// substrateAsSource reports whether an NMOS substrate step is written as the
// source voltage with the default substrate as the body.
func substrateAsSource(pol models.Polarity, rec *models.SweepRecord) bool {
	return pol == models.NMOS && rec.Kind == models.KindTransfer && rec.SubstrateVoltage != 0
}

// token formats a voltage the way the archived file names do: always with a
// fractional part, so 25 becomes "25p0".
func token(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return strings.ReplaceAll(s, ".", "p")
}

// WriteLab writes the header and one row per point. Missing values are "nan".
func WriteLab(w io.Writer, points []models.SweepPoint) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(LabHeader + "\n"); err != nil {
		return err
	}
	for _, p := range points {
		cols := p.Columns()
		for i, c := range cols {
			if i > 0 {
				bw.WriteByte(',')
			}
			if c == nil {
				bw.WriteString("nan")
			} else {
				bw.WriteString(strconv.FormatFloat(*c, 'e', 18, 64))
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteMystic writes the constant-voltage block followed by swept voltage and
// drain current. VSUB is only written for PMOS devices. For NMOS transfer
// sweeps with a stepped substrate, VS holds the substrate voltage and VB the
// 0 V default substrate.
func WriteMystic(w io.Writer, pol models.Polarity, rec *models.SweepRecord) error {
	cw := csv.NewWriter(w)

	fixedCol, sweptCol := "VG", "VD"
	if rec.Variable == models.Gate {
		fixedCol, sweptCol = "VD", "VG"
	}

	vs, vb := "0", num(rec.BulkVoltage)
	if substrateAsSource(pol, rec) {
		vs, vb = num(rec.SubstrateVoltage), "0"
	}

	rows := [][]string{
		{"#Constant Voltage"},
		{fixedCol, num(rec.FixedVoltage)},
		{"VS", vs},
		{"VB", vb},
	}
	if pol == models.PMOS {
		rows = append(rows, []string{"VSUB", num(rec.SubstrateVoltage)})
	}
	rows = append(rows, []string{"#Data"}, []string{sweptCol, "ID"})
	for _, p := range rec.Points {
		id := ""
		if p.Id != nil {
			id = num(*p.Id)
		}
		rows = append(rows, []string{num(p.Swept()), id})
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write mystic rows: %w", err)
	}
	return nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Files are the paths written for one sweep. Mystic is empty for
// self-heating series, which the modeling tool does not read.
type Files struct {
	Lab    string
	Mystic string
}

// Store writes sweeps below Root/<flavor>/<transistor>/.
type Store struct {
	Root string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Root: dir}
}

// Dir returns the lab format directory of a transistor.
func (s *Store) Dir(flavor models.Flavor, transistor string) string {
	return filepath.Join(s.Root, string(flavor), transistor)
}

// Save writes both formats of rec and sets rec.FileName.
func (s *Store) Save(run *models.Run, rec *models.SweepRecord) (Files, error) {
	dir := s.Dir(run.Flavor, run.TransistorKey)
	name := FileName(rec)
	rec.FileName = name

	var files Files
	files.Lab = filepath.Join(dir, name)
	if err := writeFile(files.Lab, func(w io.Writer) error { return WriteLab(w, rec.Points) }); err != nil {
		return files, err
	}

	if rec.Kind != models.KindSelfHeating {
		files.Mystic = filepath.Join(dir, MysticDir, MysticFileName(run.Polarity, rec))
		if err := writeFile(files.Mystic, func(w io.Writer) error { return WriteMystic(w, run.Polarity, rec) }); err != nil {
			return files, err
		}
	}

	log.Info().Str("file", files.Lab).Int("points", len(rec.Points)).Msg("Sweep saved")
	return files, nil
}

func writeFile(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create result directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
