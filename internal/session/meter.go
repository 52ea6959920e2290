package session

import (
	"encoding/binary"
	"math"
)

// meterFloorDB is the quietest level the meter distinguishes from silence.
const meterFloorDB = -60.0

// Level is the most recent buffer's loudness, normalised to 0..1 over
// -60..0 dBFS.
type Level struct {
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
}

// measure computes RMS and peak of s16le samples.
func measure(pcm []byte) Level {
	n := len(pcm) / 2
	if n == 0 {
		return Level{}
	}
	var sum float64
	var peak float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sum / float64(n))
	return Level{Average: normalizeDB(rms), Peak: normalizeDB(peak)}
}

func normalizeDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(amplitude)
	db = math.Max(meterFloorDB, math.Min(0, db))
	return (db - meterFloorDB) / -meterFloorDB
}
