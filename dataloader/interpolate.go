package dataloader

import (
	"math"
	"strings"

	"github.com/tsawler/go-downscale/errdefs"
)

// Interpolation selects how a coarse grid is resampled onto a finer one.
type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
)

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "bilinear"
}

// ParseInterpolation resolves "nearest" or "bilinear". "bicubic" is accepted
// as an alias of bilinear.
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bilinear", "bicubic":
		return Bilinear, nil
	case "nearest":
		return Nearest, nil
	}
	return 0, errdefs.Configuration("interpolation", s, "expected nearest or bilinear")
}

// grid is a channels-last [H, W, C] image.
type grid struct {
	h, w, c int
	data    []float64
}

func newGrid(h, w, c int) grid {
	return grid{h: h, w: w, c: c, data: make([]float64, h*w*c)}
}

func (g grid) at(y, x, ch int) float64 { return g.data[(y*g.w+x)*g.c+ch] }

// coarsen averages non-overlapping scale x scale blocks.
func coarsen(g grid, scale int) grid {
	out := newGrid(g.h/scale, g.w/scale, g.c)
	norm := 1 / float64(scale*scale)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			for ch := 0; ch < g.c; ch++ {
				sum := 0.0
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						sum += g.at(y*scale+dy, x*scale+dx, ch)
					}
				}
				out.data[(y*out.w+x)*out.c+ch] = sum * norm
			}
		}
	}
	return out
}

// resize resamples g onto an h x w grid using half-pixel centers.
func resize(g grid, h, w int, method Interpolation) grid {
	out := newGrid(h, w, g.c)
	sy := float64(g.h) / float64(h)
	sx := float64(g.w) / float64(w)
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			dst := out.data[(y*w+x)*g.c : (y*w+x+1)*g.c]
			if method == Nearest {
				ny := clampIndex(int(math.Floor((float64(y)+0.5)*sy)), g.h)
				nx := clampIndex(int(math.Floor((float64(x)+0.5)*sx)), g.w)
				copy(dst, g.data[(ny*g.w+nx)*g.c:(ny*g.w+nx+1)*g.c])
				continue
			}
			y0, y1, wy := bilinearTaps(fy, g.h)
			x0, x1, wx := bilinearTaps(fx, g.w)
			for ch := range dst {
				top := g.at(y0, x0, ch)*(1-wx) + g.at(y0, x1, ch)*wx
				bot := g.at(y1, x0, ch)*(1-wx) + g.at(y1, x1, ch)*wx
				dst[ch] = top*(1-wy) + bot*wy
			}
		}
	}
	return out
}

func bilinearTaps(f float64, n int) (int, int, float64) {
	if f <= 0 {
		return 0, 0, 0
	}
	if f >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	i := int(math.Floor(f))
	return i, i + 1, f - float64(i)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
