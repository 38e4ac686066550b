package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// writePly writes a binary little-endian PLY vertex cloud with per-vertex
// colour.
func writePly(filename string, points []plyPoint) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	fmt.Fprintln(w, "ply")
	fmt.Fprintln(w, "format binary_little_endian 1.0")
	fmt.Fprintf(w, "element vertex %d\n", len(points))
	fmt.Fprintln(w, "property float x")
	fmt.Fprintln(w, "property float y")
	fmt.Fprintln(w, "property float z")
	fmt.Fprintln(w, "property uchar red")
	fmt.Fprintln(w, "property uchar green")
	fmt.Fprintln(w, "property uchar blue")
	fmt.Fprintln(w, "end_header")

	var scratch [15]byte
	for _, p := range points {
		binary.LittleEndian.PutUint32(scratch[0:], math.Float32bits(float32(p.x)))
		binary.LittleEndian.PutUint32(scratch[4:], math.Float32bits(float32(p.y)))
		binary.LittleEndian.PutUint32(scratch[8:], math.Float32bits(float32(p.z)))
		scratch[12] = p.r
		scratch[13] = p.g
		scratch[14] = p.b
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}
