// Package losses holds the training objectives. Every loss returns its value
// together with the gradient w.r.t. the prediction.
package losses

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/tensor"
)

// Func computes a scalar loss of pred against target and dLoss/dPred.
type Func func(target, pred *tensor.Tensor) (float64, *tensor.Tensor, error)

// Name is the closed set of supervised losses.
type Name string

const (
	MAE         Name = "mae"
	MSE         Name = "mse"
	DSSIM       Name = "dssim"
	DSSIMMAE    Name = "dssim_mae"
	DSSIMMSE    Name = "dssim_mse"
	DSSIMMAEMSE Name = "dssim_mae_mse"
)

var registry = map[Name]Func{
	MAE:         MeanAbsoluteError,
	MSE:         MeanSquaredError,
	DSSIM:       DSSIMLoss,
	DSSIMMAE:    Sum(DSSIMLoss, MeanAbsoluteError),
	DSSIMMSE:    Sum(DSSIMLoss, MeanSquaredError),
	DSSIMMAEMSE: Sum(DSSIMLoss, MeanAbsoluteError, MeanSquaredError),
}

// Names returns the registered loss names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a loss by name.
func Lookup(name string) (Func, error) {
	if f, ok := registry[Name(strings.ToLower(strings.TrimSpace(name)))]; ok {
		return f, nil
	}
	return nil, errdefs.Configuration("loss", name, "loss not recognized, expected one of %s", strings.Join(Names(), ", "))
}

func checkShapes(target, pred *tensor.Tensor) error {
	if !tensor.SameShape(target, pred) {
		return fmt.Errorf("loss: target shape %v does not match prediction %v", target.Shape, pred.Shape)
	}
	if pred.Numel() == 0 {
		return fmt.Errorf("loss: empty prediction")
	}
	return nil
}

// MeanAbsoluteError is mean |pred - target|.
func MeanAbsoluteError(target, pred *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkShapes(target, pred); err != nil {
		return 0, nil, err
	}
	n := float64(pred.Numel())
	grad := tensor.ZerosLike(pred)
	loss := 0.0
	for i, p := range pred.Data {
		d := p - target.Data[i]
		loss += math.Abs(d)
		switch {
		case d > 0:
			grad.Data[i] = 1 / n
		case d < 0:
			grad.Data[i] = -1 / n
		}
	}
	return loss / n, grad, nil
}

// MeanSquaredError is mean (pred - target)^2.
func MeanSquaredError(target, pred *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkShapes(target, pred); err != nil {
		return 0, nil, err
	}
	n := float64(pred.Numel())
	grad := tensor.ZerosLike(pred)
	loss := 0.0
	for i, p := range pred.Data {
		d := p - target.Data[i]
		loss += d * d
		grad.Data[i] = 2 * d / n
	}
	return loss / n, grad, nil
}

// SSIM stabilizers for a dynamic range of 1.
const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// DSSIMLoss is (1 - SSIM) / 2 averaged over every sample and channel of a
// [N, H, W, C] batch, with SSIM computed over the whole H x W window.
func DSSIMLoss(target, pred *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkShapes(target, pred); err != nil {
		return 0, nil, err
	}
	n, h, w, c, err := pred.Dims4()
	if err != nil {
		return 0, nil, fmt.Errorf("dssim: %w", err)
	}
	blocks := float64(n * c)
	m := h * w
	fm := float64(m)
	grad := tensor.ZerosLike(pred)
	x := make([]float64, m)
	y := make([]float64, m)
	idx := make([]int, m)

	loss := 0.0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for i := 0; i < m; i++ {
				idx[i] = (b*m+i)*c + ch
				x[i] = target.Data[idx[i]]
				y[i] = pred.Data[idx[i]]
			}
			mx, vx := stat.PopMeanVariance(x, nil)
			my, vy := stat.PopMeanVariance(y, nil)
			cov := 0.0
			for i := range x {
				cov += (x[i] - mx) * (y[i] - my)
			}
			cov /= fm

			a1 := 2*mx*my + ssimC1
			a2 := 2*cov + ssimC2
			b1 := mx*mx + my*my + ssimC1
			b2 := vx + vy + ssimC2
			s := a1 * a2 / (b1 * b2)
			loss += (1 - s) / 2

			for i := range y {
				da1 := 2 * mx / fm
				da2 := 2 * (x[i] - mx) / fm
				db1 := 2 * my / fm
				db2 := 2 * (y[i] - my) / fm
				ds := s * (da1/a1 + da2/a2 - db1/b1 - db2/b2)
				grad.Data[idx[i]] = -ds / (2 * blocks)
			}
		}
	}
	return loss / blocks, grad, nil
}

// Sum adds losses and their gradients.
func Sum(fs ...Func) Func {
	return func(target, pred *tensor.Tensor) (float64, *tensor.Tensor, error) {
		total := 0.0
		grad := tensor.ZerosLike(pred)
		for _, f := range fs {
			v, g, err := f(target, pred)
			if err != nil {
				return 0, nil, err
			}
			total += v
			if err := grad.AddInPlace(g); err != nil {
				return 0, nil, err
			}
		}
		return total, grad, nil
	}
}

// BCEWithLogits is the mean binary cross-entropy of sigmoid(logits) against
// target labels, in its numerically stable form.
func BCEWithLogits(target, logits *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkShapes(target, logits); err != nil {
		return 0, nil, err
	}
	n := float64(logits.Numel())
	grad := tensor.ZerosLike(logits)
	loss := 0.0
	for i, z := range logits.Data {
		t := target.Data[i]
		loss += math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
		grad.Data[i] = (sigmoid(z) - t) / n
	}
	return loss / n, grad, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
