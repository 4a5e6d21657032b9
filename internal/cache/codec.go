package cache

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vectors are stored as fixed-width little-endian float32 payloads.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte, dims int) ([]float32, error) {
	if len(data) != dims*4 {
		return nil, fmt.Errorf("vector payload is %d bytes, want %d for %d dims", len(data), dims*4, dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
