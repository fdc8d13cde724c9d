package models

import (
	"time"
)

// Terminal names a transistor terminal driven by one SMU, referenced to the source.
type Terminal string

const (
	Drain     Terminal = "Vd"
	Gate      Terminal = "Vg"
	Bulk      Terminal = "Vb"
	Substrate Terminal = "Vsub"
)

// SweepKind identifies which characteristic a sweep records.
type SweepKind string

const (
	// KindTransfer is an Id-Vg sweep at fixed drain bias.
	KindTransfer SweepKind = "idvg"
	// KindOutput is an Id-Vd sweep at fixed gate bias.
	KindOutput SweepKind = "idvd"
	// KindSelfHeating is a paused single-point series with cooling between points.
	KindSelfHeating SweepKind = "selfheat"
)

// SweepPoint is one recorded sample of a sweep. Pointer fields are nil when the
// instrument did not return a usable value for that point.
type SweepPoint struct {
	Fixed    Terminal `json:"fixed" doc:"Terminal held constant during the sweep"`
	Variable Terminal `json:"variable" doc:"Terminal being swept"`

	VdSrc   float64 `json:"vd_src" doc:"Programmed drain-source voltage (V)"`
	VgSrc   float64 `json:"vg_src" doc:"Programmed gate-source voltage (V)"`
	VbSrc   float64 `json:"vb_src" doc:"Programmed bulk-source voltage (V)"`
	VsubSrc float64 `json:"vsub_src" doc:"Programmed source-substrate voltage (V)"`

	Id   *float64 `json:"id,omitempty" doc:"Drain current (A)"`
	Ib   *float64 `json:"ib,omitempty" doc:"Bulk current (A)"`
	Isub *float64 `json:"isub,omitempty" doc:"Substrate current (A)"`
	Ig   *float64 `json:"ig,omitempty" doc:"Gate current (A)"`

	VdMeas   *float64 `json:"vd_meas,omitempty" doc:"Measured drain voltage (V)"`
	VbMeas   *float64 `json:"vb_meas,omitempty" doc:"Measured bulk voltage (V)"`
	VsubMeas *float64 `json:"vsub_meas,omitempty" doc:"Measured substrate voltage (V)"`
	VgMeas   *float64 `json:"vg_meas,omitempty" doc:"Measured gate voltage (V)"`

	TempA   *float64 `json:"temp_a,omitempty" doc:"Temperature channel A (K)"`
	TempB   *float64 `json:"temp_b,omitempty" doc:"Temperature channel B (K)"`
	Elapsed *float64 `json:"elapsed,omitempty" doc:"Seconds since the run started"`
}

// Swept returns the programmed voltage of the variable terminal.
func (p SweepPoint) Swept() float64 {
	if p.Variable == Gate {
		return p.VgSrc
	}
	return p.VdSrc
}

// Columns returns the point in lab column order. Missing values are nil.
func (p SweepPoint) Columns() []*float64 {
	vd, vg, vb, vsub := p.VdSrc, p.VgSrc, p.VbSrc, p.VsubSrc
	return []*float64{
		&vd, &vg, &vb, &vsub,
		p.Id, p.Ib, p.Isub, p.Ig,
		p.VdMeas, p.VbMeas, p.VsubMeas, p.VgMeas,
		p.TempA, p.TempB, p.Elapsed,
	}
}

// SweepRecord is one persisted sweep of a characterization run.
type SweepRecord struct {
	ID               string       `json:"id"`
	RunID            string       `json:"run_id"`
	Kind             SweepKind    `json:"kind"`
	Fixed            Terminal     `json:"fixed"`
	Variable         Terminal     `json:"variable"`
	FixedVoltage     float64      `json:"fixed_voltage"`
	BulkVoltage      float64      `json:"bulk_voltage"`
	SubstrateVoltage float64      `json:"substrate_voltage"`
	FileName         string       `json:"file_name"`
	Points           []SweepPoint `json:"points"`
	CreatedAt        time.Time    `json:"created_at"`
}
