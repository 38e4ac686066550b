package ohm

import (
	"image"
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/image/draw"
)

// Debug visualisation: render a horizontal slice of the occupancy field to
// an image. Occupied voxels darken toward black, free voxels lighten
// toward white, unobserved voxels render grey.

// SliceImageOptions controls OccupancySliceImage.
type SliceImageOptions struct {
	// Z selects the world height of the slice.
	Z float64
	// Scale multiplies the output resolution; 1 maps one voxel to one
	// pixel. Values above 1 upscale with bilinear filtering.
	Scale int
}

// OccupancySliceImage renders the occupancy values intersecting the plane
// z = opts.Z across the resident extents of the map. Returns nil when the
// map holds no chunks.
func (m *OccupancyMap) OccupancySliceImage(opts SliceImageOptions) *image.Gray {
	minV, maxV, ok := m.residentExtents()
	if !ok {
		return nil
	}
	// The upper extent is exclusive; pull inside the last voxel.
	lo := m.VoxelKey(mgl64.Vec3{minV[0], minV[1], opts.Z})
	hi := m.VoxelKey(mgl64.Vec3{maxV[0] - m.resolution/2, maxV[1] - m.resolution/2, opts.Z})
	width := int(key64(hi, 0, m.regionDim[0])-key64(lo, 0, m.regionDim[0])) + 1
	height := int(key64(hi, 1, m.regionDim[1])-key64(lo, 1, m.regionDim[1])) + 1
	if width <= 0 || height <= 0 {
		return nil
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	centre := m.VoxelCentreGlobal(lo)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := mgl64.Vec3{
				centre[0] + float64(x)*m.resolution,
				centre[1] + float64(y)*m.resolution,
				opts.Z,
			}
			voxel, _ := m.Voxel(m.VoxelKey(p), false)
			img.SetGray(x, height-1-y, color.Gray{Y: occupancyShade(voxel, m)})
		}
	}

	if opts.Scale > 1 {
		scaled := image.NewGray(image.Rect(0, 0, width*opts.Scale, height*opts.Scale))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		return scaled
	}
	return img
}

func occupancyShade(voxel Voxel, m *OccupancyMap) uint8 {
	switch voxel.OccupancyType() {
	case OccupancyNull, OccupancyUnobserved:
		return 128
	}
	// Map [minValue, maxValue] onto [white, black].
	value := float64(voxel.Occupancy())
	span := float64(m.maxVoxelValue - m.minVoxelValue)
	t := (value - float64(m.minVoxelValue)) / span
	return uint8(math.Round(255 * (1 - t)))
}

// residentExtents returns the world-space bounds covered by resident
// chunks.
func (m *OccupancyMap) residentExtents() (mgl64.Vec3, mgl64.Vec3, bool) {
	var minV, maxV mgl64.Vec3
	found := false
	m.ForEachChunk(func(chunk *MapChunk) bool {
		lo := chunk.origin
		hi := lo.Add(m.regionSpatial)
		if !found {
			minV, maxV = lo, hi
			found = true
			return true
		}
		for i := 0; i < 3; i++ {
			minV[i] = math.Min(minV[i], lo[i])
			maxV[i] = math.Max(maxV[i], hi[i])
		}
		return true
	})
	return minV, maxV, found
}
