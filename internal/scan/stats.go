package scan

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises a snapshot for status reporting. Only populated (non-zero)
// slots contribute to the distance figures.
type Stats struct {
	Populated    int     `json:"populated"`
	Coverage     float64 `json:"coverage"` // Populated / Slots
	MinDistance  float64 `json:"min_distance_mm"`
	MaxDistance  float64 `json:"max_distance_mm"`
	MeanDistance float64 `json:"mean_distance_mm"`
	StdDev       float64 `json:"stddev_mm"`
	// NearestAngle is the slot holding MinDistance, -1 when nothing is
	// populated.
	NearestAngle int `json:"nearest_angle"`
}

// ComputeStats summarises s.
func ComputeStats(s Snapshot) Stats {
	values := make([]float64, 0, Slots)
	angles := make([]int, 0, Slots)
	for i, v := range s {
		if v > 0 {
			values = append(values, float64(v))
			angles = append(angles, i)
		}
	}

	st := Stats{
		Populated:    len(values),
		Coverage:     float64(len(values)) / Slots,
		NearestAngle: -1,
	}
	if len(values) == 0 {
		return st
	}

	minIdx := floats.MinIdx(values)
	st.MinDistance = values[minIdx]
	st.NearestAngle = angles[minIdx]
	st.MaxDistance = floats.Max(values)
	if len(values) == 1 {
		// The unbiased estimator is undefined for n=1 and NaN breaks JSON.
		st.MeanDistance = values[0]
		return st
	}
	st.MeanDistance, st.StdDev = stat.MeanStdDev(values, nil)
	return st
}
