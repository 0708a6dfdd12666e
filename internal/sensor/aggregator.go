package sensor

import (
	"fmt"
	"time"

	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

// AggregatorScratch holds the reserved-tag fields an aggregator response
// populates directly rather than forwarding to a child (spec §4.5
// "Aggregator specialisation"; spec §4.1 reserved tags 0xFE/0xFF).
type AggregatorScratch struct {
	UUID      [16]byte
	HasUUID   bool
	Timestamp time.Time
	HasTime   bool
}

// NewAggregatorDecode builds the DecodeFunc for an aggregator sensor: it
// parses the aggregate sample container and, for each valid non-reserved
// sample, invokes the matching child's own decoder (not a new request),
// per spec §4.5 and property P6. Reserved tags update only scratch.
func NewAggregatorDecode(children map[uint8]*Sensor, scratch *AggregatorScratch) DecodeFunc {
	return func(data []byte) error {
		samples, res := wire.DecodeAggregateResponse(data)
		if res != wire.Success {
			return fmt.Errorf("sensor: aggregate decode failed: %s", res)
		}
		for _, sample := range samples {
			if !sample.Valid {
				continue
			}
			switch sample.Tag {
			case wire.TagUUID:
				if len(sample.Data) == 16 {
					scratch.UUID = wire.SampleAsUUID(sample)
					scratch.HasUUID = true
				}
			case wire.TagTimestamp:
				if len(sample.Data) == 8 {
					scratch.Timestamp = time.Unix(0, int64(wire.SampleAsTimestamp(sample)))
					scratch.HasTime = true
				}
			default:
				child, ok := children[sample.Tag]
				if !ok || child.DecodeResponse == nil {
					continue
				}
				if err := child.DecodeResponse(sample.Data); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
