package ohm

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"
)

// Normal distribution transform support. Each NDT voxel carries a packed
// sample mean plus the upper triangular half of the sample covariance,
// updated progressively as samples arrive.

// UpdateCovariance folds one sample (relative to the voxel centre) into
// the running covariance using a Welford-style incremental update. mean
// must be the mean before this sample is applied.
func UpdateCovariance(cov CovarianceVoxel, mean VoxelMean, sample [3]float64, resolution float64) CovarianceVoxel {
	count := float64(mean.Count)
	if count == 0 {
		return cov
	}
	current := UnpackMeanCoord(mean.Coord, resolution)
	var deltaBefore, deltaAfter [3]float64
	for i := 0; i < 3; i++ {
		deltaBefore[i] = sample[i] - current[i]
		deltaAfter[i] = deltaBefore[i] * count / (count + 1)
	}
	// Accumulate the outer product contribution into the packed upper
	// triangle: P00 P01 P11 P02 P12 P22.
	triangle := [6][2]int{{0, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}, {2, 2}}
	for t, idx := range triangle {
		contribution := deltaBefore[idx[0]] * deltaAfter[idx[1]]
		// Normalise progressively so the stored values stay a covariance
		// rather than an unbounded sum of squares.
		updated := (float64(cov.P[t])*count + contribution) / (count + 1)
		cov.P[t] = float32(updated)
	}
	return cov
}

// CovarianceMatrix expands the packed upper triangle into a symmetric
// 3x3 matrix.
func CovarianceMatrix(cov CovarianceVoxel) *mat.SymDense {
	s := mat.NewSymDense(3, nil)
	s.SetSym(0, 0, float64(cov.P[0]))
	s.SetSym(0, 1, float64(cov.P[1]))
	s.SetSym(1, 1, float64(cov.P[2]))
	s.SetSym(0, 2, float64(cov.P[3]))
	s.SetSym(1, 2, float64(cov.P[4]))
	s.SetSym(2, 2, float64(cov.P[5]))
	return s
}

// CovarianceEllipsoid describes the principal axes of an NDT voxel's
// distribution: unit axes scaled by the standard deviation along each.
type CovarianceEllipsoid struct {
	Axes  [3]mgl64.Vec3
	Scale mgl64.Vec3
}

// UnpackEllipsoid eigen-decomposes the voxel covariance. Returns false
// when the matrix is degenerate or the decomposition fails.
func UnpackEllipsoid(cov CovarianceVoxel) (CovarianceEllipsoid, bool) {
	var eigen mat.EigenSym
	if !eigen.Factorize(CovarianceMatrix(cov), true) {
		return CovarianceEllipsoid{}, false
	}
	values := eigen.Values(nil)
	var vectors mat.Dense
	eigen.VectorsTo(&vectors)

	var result CovarianceEllipsoid
	for i := 0; i < 3; i++ {
		if values[i] < 0 || math.IsNaN(values[i]) {
			return CovarianceEllipsoid{}, false
		}
		result.Scale[i] = math.Sqrt(values[i])
		result.Axes[i] = mgl64.Vec3{vectors.At(0, i), vectors.At(1, i), vectors.At(2, i)}
	}
	return result, true
}

// IntegrateNdtSample updates mean, covariance and hit count for a sample
// landing in the voxel at key. The occupancy hit itself is applied by the
// caller. Creates the chunk if absent.
func (m *OccupancyMap) IntegrateNdtSample(key Key, sample mgl64.Vec3) error {
	meanLayer := m.layout.MeanLayer()
	covLayer := m.layout.CovarianceLayer()
	if meanLayer < 0 || covLayer < 0 {
		return ErrNoSuchLayer
	}

	meanVoxel, err := m.VoxelLayer(key, meanLayer, true)
	if err != nil {
		return err
	}
	centre := m.VoxelCentreGlobal(key)
	rel := [3]float64{sample[0] - centre[0], sample[1] - centre[1], sample[2] - centre[2]}

	mean := meanVoxel.Mean()
	covVoxel, err := m.VoxelLayer(key, covLayer, false)
	if err != nil {
		return err
	}
	cov := CovarianceVoxel{}
	for t, name := range covMemberNames {
		cov.P[t] = covVoxel.ReadFloat32(name)
	}
	cov = UpdateCovariance(cov, mean, rel, m.resolution)
	for t, name := range covMemberNames {
		covVoxel.WriteFloat32(name, cov.P[t])
	}
	meanVoxel.SetMean(UpdateMean(mean, rel, m.resolution))

	if hmLayer := m.layout.HitMissCountLayer(); hmLayer >= 0 {
		hm, err := m.VoxelLayer(key, hmLayer, false)
		if err != nil {
			return err
		}
		hm.WriteUint32("hit_count", hm.ReadUint32("hit_count")+1)
	}
	return nil
}

var covMemberNames = [6]string{"P00", "P01", "P11", "P02", "P12", "P22"}
