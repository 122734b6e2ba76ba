package posepipe

import "github.com/x448/float16"

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// Float16ToFloat32 converts a raw float16 buffer to float32 as Go has no
// native FP16 support.  Used by engine backends whose models produce
// half precision output tensors
func Float16ToFloat32(buf []uint16) []float32 {

	out := make([]float32, len(buf))

	for i, bits := range buf {
		out[i] = f16LookupTable[bits]
	}

	return out
}
