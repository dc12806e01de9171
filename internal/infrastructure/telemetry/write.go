package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteObservation writes a single observed value for an entity.
//
// This is the primary export path, driven by the aggregation loop after
// each state change. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Parameters:
//   - category: Entity category (e.g., "devices", "audio", "networks")
//   - entityID: Stable entity identifier (e.g., "sink-2.17")
//   - field: The observed value name (e.g., "signal", "volume", "battery")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteObservation("networks", "home|aa:bb:cc:dd:ee:01", "signal", 72)
//	client.WriteObservation("audio", "sink-1.0", "volume", 40)
func (c *Client) WriteObservation(category, entityID, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"observations",
		map[string]string{
			"category":  category,
			"entity_id": entityID,
			"field":     field,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit WriteObservation, such as
// daemon-level counters.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
