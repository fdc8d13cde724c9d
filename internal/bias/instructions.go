package bias

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/RMahshie/ivlab/pkg/models"
)

// Sweep labels used as keys in the bias instruction file.
const (
	TransferSet1 = "Primary sweep: Vgs Set 1"
	TransferSet2 = "Primary sweep: Vgs Set 2"
	Output       = "Primary sweep: Vds"
)

// Terminal names used as keys in the bias instruction file.
const (
	KeySourceSub   = "Vsource_sub"
	KeyBulkSource  = "Vbulk_source"
	KeyDrainSource = "Vdrain_source"
	KeyGateSource  = "Vgate_source"
)

var (
	// ErrUnknownFlavor is returned for a flavor outside LV/MV/HV.
	ErrUnknownFlavor = errors.New("unknown device flavor")
	// ErrFlavorMissing is returned when a terminal list has no column for the flavor.
	ErrFlavorMissing = errors.New("no bias values for flavor")
)

// Biases holds the per-terminal value lists of one sweep for one flavor.
type Biases struct {
	SourceSub   []float64
	BulkSource  []float64
	DrainSource []float64
	GateSource  []float64
}

// InstructionSet is the loaded bias table:
// polarity -> sweep label -> terminal -> flavor column -> values.
// It is read-only after Load.
type InstructionSet struct {
	entries map[models.Polarity]map[string]map[string][][]float64
}

// Load reads a processed bias instruction JSON file.
func Load(path string) (*InstructionSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bias instructions: %w", err)
	}
	defer f.Close()

	set, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("polarities", len(set.entries)).Msg("Bias instructions loaded")
	return set, nil
}

// Parse decodes bias instructions. Each flavor column may be a number or a
// list of numbers; anything else is logged and left empty so that column
// indices of the remaining flavors stay aligned.
func Parse(r io.Reader) (*InstructionSet, error) {
	var raw map[string]map[string]map[string][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode bias instructions: %w", err)
	}

	set := &InstructionSet{entries: make(map[models.Polarity]map[string]map[string][][]float64)}
	for section, sweeps := range raw {
		pol := models.Polarity(section)
		if pol != models.NMOS && pol != models.PMOS {
			log.Warn().Str("section", section).Msg("Skipping bias section with unknown polarity")
			continue
		}
		set.entries[pol] = make(map[string]map[string][][]float64)
		for label, terminals := range sweeps {
			set.entries[pol][label] = make(map[string][][]float64)
			for terminal, columns := range terminals {
				values := make([][]float64, len(columns))
				for i, col := range columns {
					v, err := decodeColumn(col)
					if err != nil {
						log.Warn().
							Str("polarity", section).
							Str("sweep", label).
							Str("terminal", terminal).
							Int("column", i).
							Err(err).
							Msg("Skipping malformed bias entry")
						continue
					}
					values[i] = v
				}
				set.entries[pol][label][terminal] = values
			}
		}
	}
	return set, nil
}

// decodeColumn accepts a number, a list of numbers or a bias table cell such
// as "0 to 25 in steps of 0.5 V".
func decodeColumn(raw json.RawMessage) ([]float64, error) {
	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return []float64{scalar}, nil
	}
	var cell string
	if err := json.Unmarshal(raw, &cell); err == nil {
		return ParseCell(cell)
	}
	var list []float64
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("expected number, list of numbers or bias text, got %s", string(raw))
	}
	return list, nil
}

// Sweep returns the four terminal lists of one sweep label for a flavor.
// Terminals absent from the file yield empty lists.
func (s *InstructionSet) Sweep(pol models.Polarity, label string, flavor models.Flavor) (Biases, error) {
	idx := flavor.Index()
	if idx < 0 {
		return Biases{}, fmt.Errorf("%w: %q", ErrUnknownFlavor, flavor)
	}

	terminals := s.entries[pol][label]
	pick := func(name string) ([]float64, error) {
		cols, ok := terminals[name]
		if !ok {
			return nil, nil
		}
		if idx >= len(cols) {
			return nil, fmt.Errorf("%w: %s %s %s has %d columns, want index %d",
				ErrFlavorMissing, pol, label, name, len(cols), idx)
		}
		return cols[idx], nil
	}

	var b Biases
	var err error
	if b.SourceSub, err = pick(KeySourceSub); err != nil {
		return Biases{}, err
	}
	if b.BulkSource, err = pick(KeyBulkSource); err != nil {
		return Biases{}, err
	}
	if b.DrainSource, err = pick(KeyDrainSource); err != nil {
		return Biases{}, err
	}
	if b.GateSource, err = pick(KeyGateSource); err != nil {
		return Biases{}, err
	}
	return b, nil
}

// Labels returns the sweep labels defined for a polarity.
func (s *InstructionSet) Labels(pol models.Polarity) []string {
	labels := make([]string, 0, len(s.entries[pol]))
	for label := range s.entries[pol] {
		labels = append(labels, label)
	}
	return labels
}
