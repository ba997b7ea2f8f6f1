package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/panduza/panduza-core/internal/infopack"
)

// Measurements written by the client.
const (
	MeasurementState = "instance_state"
	MeasurementAlert = "instance_alert"
)

// WriteState records that inst entered state.
func (c *Client) WriteState(inst, state string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(write.NewPoint(MeasurementState,
		map[string]string{"instance": inst},
		map[string]any{"state": state},
		at))
}

// WriteAlert records an alert raised by inst.
func (c *Client) WriteAlert(inst, message string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(write.NewPoint(MeasurementAlert,
		map[string]string{"instance": inst},
		map[string]any{"message": message},
		at))
}

// OnState implements infopack.Sink.
func (c *Client) OnState(inst, state string) {
	c.WriteState(inst, state, time.Now())
}

// OnAlert implements infopack.Sink.
func (c *Client) OnAlert(inst string, alert infopack.Alert) {
	c.WriteAlert(inst, alert.Message, time.UnixMilli(alert.Timestamp))
}
