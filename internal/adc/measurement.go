package adc

import (
	"encoding/binary"
	"fmt"
)

const (
	// ReferenceMillivolts is the conversion reference (unbuffered AVDD on the sampled board).
	ReferenceMillivolts = 2500

	// Resolution is the converter resolution in bits.
	Resolution = 12

	// FullScale is the number of codes of a Resolution-bit conversion.
	FullScale = 1 << Resolution

	// MaxCode is the largest raw code the converter produces.
	MaxCode = FullScale - 1

	// MeasurementSize is the encoded size of a Measurement in the attribute store.
	MeasurementSize = 4
)

// Measurement is one converted sample in millivolts.
type Measurement int32

// Millivolts converts a raw conversion code using code * 2500 / 4096, truncating.
// Codes wider than the result register are masked to Resolution bits.
func Millivolts(code uint32) Measurement {
	code &= MaxCode
	return Measurement(code * ReferenceMillivolts / FullScale)
}

// Bytes encodes the measurement the way the target stores a native int: 4 bytes,
// little-endian.
func (m Measurement) Bytes() []byte {
	b := make([]byte, MeasurementSize)
	binary.LittleEndian.PutUint32(b, uint32(m))
	return b
}

// ParseMeasurement decodes a value produced by Bytes.
func ParseMeasurement(b []byte) (Measurement, error) {
	if len(b) != MeasurementSize {
		return 0, fmt.Errorf("invalid measurement length %d, want %d", len(b), MeasurementSize)
	}
	return Measurement(int32(binary.LittleEndian.Uint32(b))), nil
}

func (m Measurement) String() string {
	return fmt.Sprintf("%d mV", int32(m))
}
