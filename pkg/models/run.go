package models

import (
	"strings"
	"time"
)

// Polarity is the transistor channel type.
type Polarity string

const (
	NMOS Polarity = "NMOS"
	PMOS Polarity = "PMOS"
)

// Flavor is the device voltage class. Its index selects a column of the bias table.
type Flavor string

const (
	LV Flavor = "LV"
	MV Flavor = "MV"
	HV Flavor = "HV"
)

// Index returns the bias table column for the flavor, or -1 if unknown.
func (f Flavor) Index() int {
	switch f {
	case LV:
		return 0
	case MV:
		return 1
	case HV:
		return 2
	default:
		return -1
	}
}

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run represents one characterization of a single transistor.
type Run struct {
	ID            string     `json:"id"`
	TransistorKey string     `json:"transistor_key"`
	Polarity      Polarity   `json:"polarity"`
	Flavor        Flavor     `json:"flavor"`
	SelfHeating   bool       `json:"self_heating"`
	Status        string     `json:"status"`
	Progress      int        `json:"progress"`
	DataDir       string     `json:"data_dir"`
	ErrorMsg      *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// PolarityFromKey derives the channel type from a transistor key such as "nmos25_FET3".
func PolarityFromKey(key string) (Polarity, bool) {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "pmos"):
		return PMOS, true
	case strings.Contains(k, "nmos"):
		return NMOS, true
	default:
		return "", false
	}
}

// FlavorFromKey derives the voltage class from a transistor key. Keys carrying
// the 25 V marker are HV; everything else falls back to def.
func FlavorFromKey(key string, def Flavor) Flavor {
	if strings.Contains(key, "25") {
		return HV
	}
	return def
}
