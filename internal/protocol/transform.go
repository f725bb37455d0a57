package protocol

import (
	"fmt"
	"math"
)

const (
	quaternionTolerance = 1e-3
	minScale            = 0.5
	maxScale            = 3.0
)

// Transform places an object in the AR scene. Rotation is a quaternion
// [x, y, z, w] that must be unit-norm within tolerance; each scale component
// must stay inside [0.5, 3.0].
type Transform struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	Scale    [3]float64 `json:"scale"`
}

// IdentityTransform returns the neutral placement at the origin.
func IdentityTransform() Transform {
	return Transform{
		Rotation: [4]float64{0, 0, 0, 1},
		Scale:    [3]float64{1, 1, 1},
	}
}

func (t Transform) Validate() error {
	norm := math.Sqrt(t.Rotation[0]*t.Rotation[0] +
		t.Rotation[1]*t.Rotation[1] +
		t.Rotation[2]*t.Rotation[2] +
		t.Rotation[3]*t.Rotation[3])
	if math.Abs(norm-1) > quaternionTolerance {
		return fmt.Errorf("rotation quaternion is not unit-norm: |q|=%f", norm)
	}

	for i, s := range t.Scale {
		if s < minScale || s > maxScale {
			return fmt.Errorf("scale component %d out of range [%.1f, %.1f]: %f", i, minScale, maxScale, s)
		}
	}

	return nil
}

// BoundingBox is an axis-aligned box in model space, meters.
type BoundingBox struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}
