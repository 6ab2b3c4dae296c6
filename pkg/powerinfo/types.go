package powerinfo

// State is the charging state of the power pack.
type State string

const (
	Unknown     State = "unknown"
	Empty       State = "empty"
	Charging    State = "charging"
	Discharging State = "discharging"
	Full        State = "full"
)

// PowerPack is a snapshot of the robot's battery.
// Units:
// - Current, Full, Design: mWh
// - ChargeRate: mW (negative when discharging)
// - Voltage: Volts
type PowerPack struct {
	State      State   `json:"state"`
	Percent    int     `json:"percent"`
	Current    float64 `json:"current"`
	Full       float64 `json:"full"`
	Design     float64 `json:"design"`
	ChargeRate float64 `json:"chargeRate"`
	Voltage    float64 `json:"voltage"`
}

// Low reports whether the pack is discharging below percent.
func (p *PowerPack) Low(percent int) bool {
	return p.State == Discharging && p.Percent < percent
}
