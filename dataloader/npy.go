package dataloader

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/tensor"
)

// LoadNPY reads a C-ordered float32 or float64 .npy array.
func LoadNPY(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if r.Header.Descr.Fortran {
		return nil, errdefs.Data("path", path, "Fortran-ordered arrays are not supported")
	}
	shape := append([]int(nil), r.Header.Descr.Shape...)

	var data []float64
	switch r.Header.Descr.Type {
	case "<f8", "f8", "float64":
		if err := r.Read(&data); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case "<f4", "f4", "float32":
		var f32 []float32
		if err := r.Read(&f32); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		data = make([]float64, len(f32))
		for i, v := range f32 {
			data[i] = float64(v)
		}
	default:
		return nil, errdefs.Data("path", path, "unsupported dtype %s", r.Header.Descr.Type)
	}
	return tensor.FromData(data, shape...)
}

// LoadSplit reads a split from .npy files. hr may be [N, H, W] or
// [N, H, W, C]; predictors [N, H, W] or [N, H, W, 1]; static fields [H, W].
// Empty paths are skipped.
func LoadSplit(name, hr string, predictors []string, topography, landOcean string) (Split, error) {
	s := Split{Name: name}
	var err error
	if s.HR, err = loadWithChannels(hr); err != nil {
		return s, err
	}
	for _, p := range predictors {
		t, err := loadWithChannels(p)
		if err != nil {
			return s, err
		}
		s.Predictors = append(s.Predictors, t)
	}
	if topography != "" {
		if s.Topography, err = LoadNPY(topography); err != nil {
			return s, err
		}
	}
	if landOcean != "" {
		if s.LandOcean, err = LoadNPY(landOcean); err != nil {
			return s, err
		}
	}
	return s, nil
}

func loadWithChannels(path string) (*tensor.Tensor, error) {
	t, err := LoadNPY(path)
	if err != nil {
		return nil, err
	}
	if t.Dim() == 3 {
		return t.Reshape(t.Shape[0], t.Shape[1], t.Shape[2], 1)
	}
	return t, nil
}
