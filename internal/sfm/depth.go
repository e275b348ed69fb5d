package sfm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// depthMagic marks serialized depth grids. The layout after the magic is
// uint32 width, uint32 height, then width*height float32 z-depths, all
// little-endian, row-major.
const depthMagic = "DCDP"

const depthHeaderSize = 4 + 4 + 4

// maxDepthPixels caps decoded grid size to prevent excessive allocation
// from corrupt or untrusted input (64M pixels = 256MB of float32).
const maxDepthPixels = 64 << 20

// DecodeDepth parses a .dpt payload into a DepthMap.
func DecodeDepth(blob []byte) (*DepthMap, error) {
	if len(blob) < depthHeaderSize {
		return nil, fmt.Errorf("depth blob too short: %d bytes", len(blob))
	}
	if string(blob[:4]) != depthMagic {
		return nil, fmt.Errorf("bad depth magic %q", blob[:4])
	}

	width := int(binary.LittleEndian.Uint32(blob[4:]))
	height := int(binary.LittleEndian.Uint32(blob[8:]))
	if width <= 0 || height <= 0 || width*height > maxDepthPixels {
		return nil, fmt.Errorf("implausible depth dimensions %dx%d", width, height)
	}

	want := depthHeaderSize + width*height*4
	if len(blob) != want {
		return nil, fmt.Errorf("depth blob size %d, want %d for %dx%d", len(blob), want, width, height)
	}

	d := NewDepthMap(width, height)
	for i := range d.Data {
		bits := binary.LittleEndian.Uint32(blob[depthHeaderSize+i*4:])
		d.Data[i] = math.Float32frombits(bits)
	}
	return d, nil
}

// EncodeDepth serializes a DepthMap to the .dpt layout.
func EncodeDepth(d *DepthMap) []byte {
	blob := make([]byte, depthHeaderSize+len(d.Data)*4)
	copy(blob, depthMagic)
	binary.LittleEndian.PutUint32(blob[4:], uint32(d.Width))
	binary.LittleEndian.PutUint32(blob[8:], uint32(d.Height))
	for i, z := range d.Data {
		binary.LittleEndian.PutUint32(blob[depthHeaderSize+i*4:], math.Float32bits(z))
	}
	return blob
}
