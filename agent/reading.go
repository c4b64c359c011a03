package agent

import (
	"encoding/json"
	"fmt"
)

// Reading is the telemetry payload of one cycle. VoltageMV and TemperatureC
// are nil when calibration or derivation was unavailable.
type Reading struct {
	Device       string   `json:"device"`
	DeviceID     string   `json:"device_id,omitempty"`
	Cycle        uint64   `json:"cycle"`
	Raw          int      `json:"raw"`
	VoltageMV    *int     `json:"voltage_mv,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	Calibration  string   `json:"calibration"`
	Quality      int      `json:"quality"`
	Address      string   `json:"address,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// Map returns the reading as its JSON object.
func (r Reading) Map() (map[string]interface{}, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("agent: encode reading: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("agent: decode reading: %w", err)
	}
	return m, nil
}
