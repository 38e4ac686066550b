// ohm2ply exports an occupancy map file to a PLY point cloud. Occupied
// voxel centres become points, coloured by occupancy or clearance.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fabioruetz/ohm"
)

type options struct {
	mapFile     string
	plyFile     string
	mode        string
	threshold   float64
	cull        float64
	expire      float64
	colourScale float64
}

func main() {
	os.Exit(run())
}

func run() int {
	opt := options{}
	flag.StringVar(&opt.mode, "mode", "occupancy", "export mode: occupancy|clearance")
	flag.Float64Var(&opt.threshold, "threshold", -1, "occupancy probability threshold override")
	flag.Float64Var(&opt.cull, "cull", 0, "cull regions beyond this distance from the origin")
	flag.Float64Var(&opt.expire, "expire", 0, "drop regions last touched before this unix time")
	flag.Float64Var(&opt.colourScale, "colour-scale", 3, "colour ramp range in metres (clearance mode)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		return 1
	}
	opt.mapFile = flag.Arg(0)
	opt.plyFile = flag.Arg(1)

	switch opt.mode {
	case "occupancy", "clearance":
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", opt.mode)
		return 2
	}
	if opt.cull < 0 {
		fmt.Fprintln(os.Stderr, "cull distance must not be negative")
		return 2
	}
	if opt.threshold >= 1 {
		fmt.Fprintln(os.Stderr, "threshold must lie in [0,1)")
		return 2
	}

	// Interrupt handling: the first signal asks loops to stop at the next
	// region, a second force-quits serialisation.
	var quit atomic.Int32
	abort := &atomic.Bool{}
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range signals {
			if quit.Add(1) >= 2 {
				abort.Store(true)
			}
		}
	}()

	progress := &progressMonitor{quit: &quit}
	m, err := ohm.LoadMap(opt.mapFile, progress)
	progress.finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", opt.mapFile, err)
		return 3
	}

	if opt.threshold >= 0 {
		if err := m.SetOccupancyThresholdProbability(opt.threshold); err != nil {
			fmt.Fprintf(os.Stderr, "bad threshold: %v\n", err)
			return 2
		}
	}
	if opt.cull > 0 {
		removed, err := m.RemoveDistanceRegions(m.Origin(), opt.cull)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cull failed: %v\n", err)
			return 3
		}
		fmt.Printf("culled %d regions\n", removed)
	}
	if opt.expire > 0 {
		removed, err := m.ExpireRegions(time.Unix(int64(opt.expire), 0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "expire failed: %v\n", err)
			return 3
		}
		fmt.Printf("expired %d regions\n", removed)
	}

	cloud := buildCloud(m, opt, &quit)
	if quit.Load() > 1 {
		fmt.Fprintln(os.Stderr, "aborted")
		return 3
	}
	if err := writePly(opt.plyFile, cloud); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", opt.plyFile, err)
		return 3
	}
	fmt.Printf("exported %d points to %s\n", len(cloud), opt.plyFile)
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ohm2ply [flags] <map> <cloud.ply>\n")
	flag.PrintDefaults()
}

type plyPoint struct {
	x, y, z float64
	r, g, b uint8
}

func buildCloud(m *ohm.OccupancyMap, opt options, quit *atomic.Int32) []plyPoint {
	var cloud []plyPoint
	clearanceLayer := m.Layout().ClearanceLayer()

	m.ForEachChunk(func(chunk *ohm.MapChunk) bool {
		if quit.Load() > 0 {
			return false
		}
		volume := m.RegionVoxelVolume()
		key := ohm.Key{Region: chunk.Region()}
		for index := 0; index < volume; index++ {
			key.Local = m.LocalFromIndex(index)
			voxel, _ := m.Voxel(key, false)
			if voxel.OccupancyType() != ohm.OccupancyOccupied {
				continue
			}
			centre := m.VoxelCentreGlobal(key)
			point := plyPoint{x: centre[0], y: centre[1], z: centre[2]}

			switch opt.mode {
			case "clearance":
				clearance := float64(-1)
				if clearanceLayer >= 0 {
					cv, _ := m.VoxelLayer(key, clearanceLayer, false)
					clearance = float64(cv.ReadFloat32(ohm.ClearanceLayerName))
				}
				point.r, point.g, point.b = clearanceColour(clearance, opt.colourScale)
			default:
				shade := occupancyShade(m, voxel)
				point.r, point.g, point.b = shade, shade, shade
			}
			cloud = append(cloud, point)
		}
		return true
	})
	return cloud
}

// occupancyShade maps the voxel's probability onto a grey ramp: barely
// occupied is mid grey, saturated is white.
func occupancyShade(m *ohm.OccupancyMap, voxel ohm.Voxel) uint8 {
	span := m.MaxVoxelValue() - m.OccupancyThreshold()
	if span <= 0 {
		return 255
	}
	t := (voxel.Occupancy() - m.OccupancyThreshold()) / span
	return uint8(128 + 127*t)
}

// clearanceColour ramps red (no clearance) to green (clearance beyond the
// scale). Unknown clearance renders blue.
func clearanceColour(clearance, scale float64) (uint8, uint8, uint8) {
	if clearance < 0 {
		return 0, 0, 255
	}
	t := clearance / scale
	if t > 1 {
		t = 1
	}
	return uint8(255 * (1 - t)), uint8(255 * t), 0
}

// progressMonitor prints coarse load progress and wires the quit counter
// into the codec.
type progressMonitor struct {
	quit    *atomic.Int32
	target  uint
	current uint
	lastPct int
}

func (p *progressMonitor) SetTargetProgress(target uint) {
	p.target = target
	p.current = 0
	p.lastPct = -1
}

func (p *progressMonitor) IncrementProgress(step uint) {
	p.current += step
	if p.target == 0 {
		return
	}
	pct := int(100 * p.current / p.target)
	if pct/10 != p.lastPct/10 {
		p.lastPct = pct
		fmt.Fprintf(os.Stderr, "\r%3d%%", pct)
	}
}

func (p *progressMonitor) Quit() bool {
	return p.quit.Load() > 1
}

func (p *progressMonitor) finish() {
	if p.target > 0 {
		fmt.Fprintln(os.Stderr)
	}
}
