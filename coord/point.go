package coord

import (
	"math"
)

// Point is a position in machine or work space, millimeters.
type Point struct{ X, Y, Z float64 }

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y && p.Z == b.Z
}

func (p Point) Mul(val float64) Point {
	p.X *= val
	p.Y *= val
	p.Z *= val
	return p
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	return p
}

// Distance returns the straight-line travel length from p to target.
func (p Point) Distance(target Point) float64 {
	d := target.Sub(p)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}
