package dataset

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

// floMagic is the Middlebury .flo sanity-check tag ("PIEH" as a float32).
const floMagic = 202021.25

// FlowField is a dense optical-flow field: Data holds (dx, dy) pairs
// row-major, so it has Height*Width*2 values.
type FlowField struct {
	Width, Height int
	Data          []float32
}

// ReadFlo reads a Middlebury .flo file.
func ReadFlo(path string) (*FlowField, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening flow file %q", path)
	}
	defer func() { _ = f.Close() }()

	var header struct {
		Magic         float32
		Width, Height int32
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading flow header of %q", path)
	}
	if header.Magic != floMagic {
		return nil, errors.Errorf("%q is not a .flo file: bad magic %v", path, header.Magic)
	}
	if header.Width <= 0 || header.Height <= 0 || header.Width > 1<<15 || header.Height > 1<<15 {
		return nil, errors.Errorf("%q has invalid flow dimensions %dx%d", path, header.Width, header.Height)
	}
	flow := &FlowField{
		Width:  int(header.Width),
		Height: int(header.Height),
		Data:   make([]float32, int(header.Width)*int(header.Height)*2),
	}
	if err := binary.Read(f, binary.LittleEndian, flow.Data); err != nil {
		return nil, errors.Wrapf(err, "reading flow data of %q", path)
	}
	return flow, nil
}

// WriteFlo writes the field as a Middlebury .flo file.
func (flow *FlowField) WriteFlo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating flow file %q", path)
	}
	header := struct {
		Magic         float32
		Width, Height int32
	}{floMagic, int32(flow.Width), int32(flow.Height)}
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing flow header of %q", path)
	}
	if err := binary.Write(f, binary.LittleEndian, flow.Data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing flow data of %q", path)
	}
	return errors.Wrapf(f.Close(), "closing flow file %q", path)
}

// At returns the (dx, dy) displacement at pixel (x, y).
func (flow *FlowField) At(x, y int) (dx, dy float32) {
	at := (y*flow.Width + x) * 2
	return flow.Data[at], flow.Data[at+1]
}

// Resize resamples the field to width x height with bilinear interpolation,
// scaling the displacement values to the new pixel grid.
func (flow *FlowField) Resize(width, height int) *FlowField {
	if width == flow.Width && height == flow.Height {
		return flow
	}
	out := &FlowField{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height*2),
	}
	scaleX := float64(flow.Width) / float64(width)
	scaleY := float64(flow.Height) / float64(height)
	for y := 0; y < height; y++ {
		srcY := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(srcY))
		fy := float32(srcY - float64(y0))
		y1 := clampIdx(y0+1, flow.Height)
		y0 = clampIdx(y0, flow.Height)
		for x := 0; x < width; x++ {
			srcX := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(srcX))
			fx := float32(srcX - float64(x0))
			x1 := clampIdx(x0+1, flow.Width)
			x0 = clampIdx(x0, flow.Width)
			for c := 0; c < 2; c++ {
				v00 := flow.Data[(y0*flow.Width+x0)*2+c]
				v01 := flow.Data[(y0*flow.Width+x1)*2+c]
				v10 := flow.Data[(y1*flow.Width+x0)*2+c]
				v11 := flow.Data[(y1*flow.Width+x1)*2+c]
				top := v00 + (v01-v00)*fx
				bottom := v10 + (v11-v10)*fx
				value := top + (bottom-top)*fy
				// Displacements are in pixels: rescale to the new grid.
				if c == 0 {
					value /= float32(scaleX)
				} else {
					value /= float32(scaleY)
				}
				out.Data[(y*width+x)*2+c] = value
			}
		}
	}
	return out
}

func clampIdx(i, size int) int {
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}
