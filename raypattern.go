package ohm

import (
	"github.com/go-gl/mathgl/mgl64"
)

// RayPattern is a reusable set of ray endpoints sharing a common origin.
// Patterns are built once and applied repeatedly at different poses,
// typically to clear dynamic obstructions.
type RayPattern struct {
	points []mgl64.Vec3
}

// NewRayPattern creates an empty pattern.
func NewRayPattern() *RayPattern {
	return &RayPattern{}
}

// AddPoints appends endpoints to the pattern.
func (p *RayPattern) AddPoints(points ...mgl64.Vec3) {
	p.points = append(p.points, points...)
}

// PointCount returns the number of endpoints in the pattern.
func (p *RayPattern) PointCount() int {
	return len(p.points)
}

// Points returns the pattern's endpoints.
func (p *RayPattern) Points() []mgl64.Vec3 {
	return p.points
}

// BuildRays populates rays with (origin, endpoint) pairs: each pattern
// point is scaled, rotated and translated to the given pose. rays is
// reset before use and returned for reuse across calls.
func (p *RayPattern) BuildRays(rays []mgl64.Vec3, position mgl64.Vec3, rotation mgl64.Quat, scaling float64) []mgl64.Vec3 {
	rays = rays[:0]
	for _, point := range p.points {
		endpoint := rotation.Rotate(point.Mul(scaling)).Add(position)
		rays = append(rays, position, endpoint)
	}
	return rays
}

// ClearingPattern applies a RayPattern with the clearing flag set: rays
// erode occupied voxels they pass through or end in, without marking
// unobserved space as observed.
type ClearingPattern struct {
	pattern *RayPattern
	raySet  []mgl64.Vec3
}

// NewClearingPattern wraps a pattern for clearing use.
func NewClearingPattern(pattern *RayPattern) *ClearingPattern {
	return &ClearingPattern{pattern: pattern}
}

// Pattern returns the wrapped ray pattern.
func (c *ClearingPattern) Pattern() *RayPattern {
	return c.pattern
}

// Apply integrates the pattern into the map at the given pose.
func (c *ClearingPattern) Apply(m *OccupancyMap, position mgl64.Vec3, rotation mgl64.Quat, scaling float64) error {
	c.raySet = c.pattern.BuildRays(c.raySet, position, rotation, scaling)
	return m.IntegrateRays(c.raySet, RayEndPointAsFree|RayStopOnFirstOccupied|RayClearOnly)
}
