package wire

// Numeric conversions per spec §4.1: the codec is the single place scaling
// happens (Design Notes §9's open question — consolidated here rather than
// split between codec and aggregator, which keeps property P5 mechanical).

// MilliwattsToWatts converts a raw power reading (milliwatts) to watts.
func MilliwattsToWatts(raw uint32) float64 {
	return float64(raw) / 1000.0
}

// WattsToMilliwatts is the encode-side inverse, used by the mock device and
// round-trip tests.
func WattsToMilliwatts(watts float64) uint32 {
	return uint32(watts * 1000.0)
}

// bandwidthDivisor converts bytes/sec to Gb/s: divide by 1024*1024*128.
const bandwidthDivisor = 1024 * 1024 * 128

// BytesPerSecToGbps converts a raw bandwidth reading (bytes/sec) to Gb/s.
func BytesPerSecToGbps(raw uint64) float64 {
	return float64(raw) / bandwidthDivisor
}

// GbpsToBytesPerSec is the encode-side inverse.
func GbpsToBytesPerSec(gbps float64) uint64 {
	return uint64(gbps * bandwidthDivisor)
}

// Q24_8ToCelsius converts a signed 24.8 fixed-point temperature reading to
// degrees Celsius.
func Q24_8ToCelsius(raw int32) float64 {
	return float64(raw) / 256.0
}

// CelsiusToQ24_8 is the encode-side inverse.
func CelsiusToQ24_8(celsius float64) int32 {
	return int32(celsius * 256.0)
}
