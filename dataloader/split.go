// Package dataloader turns high-resolution reference arrays into paired
// (low-resolution, high-resolution) training samples.
package dataloader

import (
	"fmt"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/tensor"
)

// Split is one of the train, validation or test datasets.
type Split struct {
	Name string
	// HR is the high-resolution reference, [N, H, W, C].
	HR *tensor.Tensor
	// Predictors are auxiliary variables, each [N, H, W, 1].
	Predictors []*tensor.Tensor
	// Static fields, each [H, W]. Nil when absent.
	Topography *tensor.Tensor
	LandOcean  *tensor.Tensor
}

// Len returns the number of samples.
func (s Split) Len() int {
	if s.HR == nil || s.HR.Dim() == 0 {
		return 0
	}
	return s.HR.Shape[0]
}

// Static returns the static fields that are present, topography first.
func (s Split) Static() []*tensor.Tensor {
	var st []*tensor.Tensor
	for _, f := range []*tensor.Tensor{s.Topography, s.LandOcean} {
		if f != nil {
			st = append(st, f)
		}
	}
	return st
}

// VarChannels is the number of time-varying channels: HR channels plus one
// per predictor.
func (s Split) VarChannels() int {
	if s.HR == nil || s.HR.Dim() != 4 {
		return 0
	}
	return s.HR.Shape[3] + len(s.Predictors)
}

// Validate checks that all arrays agree in sample count and spatial shape.
// Without patching the grid must also be divisible by scale.
func (s Split) Validate(scale, patchSize int) error {
	name := s.Name
	if name == "" {
		name = "data"
	}
	if s.Len() == 0 {
		return errdefs.Data(name, shapeOf(s.HR), "split is empty")
	}
	n, h, w, _, err := s.HR.Dims4()
	if err != nil {
		return errdefs.Data(name, s.HR.Shape, "expected [samples, lat, lon, channels]")
	}
	for i, p := range s.Predictors {
		param := fmt.Sprintf("%s.predictors[%d]", name, i)
		if p == nil || p.Dim() != 4 {
			return errdefs.Data(param, shapeOf(p), "expected [samples, lat, lon, 1]")
		}
		if p.Shape[0] != n || p.Shape[1] != h || p.Shape[2] != w || p.Shape[3] != 1 {
			return errdefs.Data(param, p.Shape, "does not match reference shape [%d, %d, %d, 1]", n, h, w)
		}
	}
	for _, f := range []struct {
		name string
		t    *tensor.Tensor
	}{{"topography", s.Topography}, {"landocean", s.LandOcean}} {
		if f.t == nil {
			continue
		}
		if f.t.Dim() != 2 || f.t.Shape[0] != h || f.t.Shape[1] != w {
			return errdefs.Data(f.name, f.t.Shape, "expected [%d, %d] to match the reference grid", h, w)
		}
	}
	if patchSize == 0 && (h%scale != 0 || w%scale != 0) {
		return errdefs.Data(name, s.HR.Shape, "grid %dx%d is not divisible by scale %d", h, w, scale)
	}
	return nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
