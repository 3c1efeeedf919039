package link

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/openteleop/roverlink/state"
)

// statusRequest is the fixed poll payload; the response is matched by topic
// alone since the rover is the only responder and at most one request is
// ever outstanding.
var statusRequest = []byte(`{"command":"status"}`)

type subsystemStatus struct {
	GPIO   *bool `json:"gpio"`
	I2C    *bool `json:"i2c"`
	ADC    *bool `json:"adc"`
	Camera *bool `json:"camera"`
}

type statusResponse struct {
	BatteryVoltage *float64         `json:"Vb"`
	Distance       *float64         `json:"distance"`
	Position       *float64         `json:"pos"`
	MockStatus     *subsystemStatus `json:"mock_status"`
}

// parseStatusResponse turns a raw status payload into a sparse state update.
// Any malformed payload is rejected whole so a partial update can never
// corrupt the shared state.
func parseStatusResponse(payload []byte) (state.Update, error) {
	var resp statusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return state.Update{}, errors.Wrap(err, "invalid status payload")
	}
	if resp.BatteryVoltage == nil {
		return state.Update{}, errors.New("status payload missing Vb")
	}
	upd := state.Update{
		BatteryVoltage: resp.BatteryVoltage,
		Distance:       resp.Distance,
		Position:       resp.Position,
	}
	if ms := resp.MockStatus; ms != nil {
		upd.GPIO = ms.GPIO
		upd.I2C = ms.I2C
		upd.ADC = ms.ADC
		upd.Camera = ms.Camera
	}
	return upd, nil
}
