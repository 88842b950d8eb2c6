package training

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/tensor"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MAE MetricType = iota
	MSE
	RMSE
	R2
	NMAE
)

func (mt MetricType) String() string {
	switch mt {
	case MAE:
		return "MAE"
	case MSE:
		return "MSE"
	case RMSE:
		return "RMSE"
	case R2:
		return "R2"
	case NMAE:
		return "NMAE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// RegressionMetrics holds the evaluation metrics of a reconstructed split.
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // MAE over the reference range
	// Count is the number of grid values compared.
	Count int
}

// Get returns one metric by type.
func (m RegressionMetrics) Get(metric MetricType) float64 {
	switch metric {
	case MAE:
		return m.MAE
	case MSE:
		return m.MSE
	case RMSE:
		return m.RMSE
	case R2:
		return m.R2
	case NMAE:
		return m.NMAE
	}
	return math.NaN()
}

func (m RegressionMetrics) String() string {
	return fmt.Sprintf("MAE=%.6f MSE=%.6f RMSE=%.6f R2=%.4f NMAE=%.4f", m.MAE, m.MSE, m.RMSE, m.R2, m.NMAE)
}

// regressionAccumulator keeps the sums behind RegressionMetrics so batches
// and group members can be merged before any ratio is taken.
type regressionAccumulator struct {
	n, absErr, sqErr, sum, sumSq float64
	min, max                     float64
}

func newRegressionAccumulator() *regressionAccumulator {
	return &regressionAccumulator{min: math.Inf(1), max: math.Inf(-1)}
}

// Add folds one batch of predictions into the sums.
func (a *regressionAccumulator) Add(pred, truth *tensor.Tensor) error {
	if !tensor.SameShape(pred, truth) {
		return fmt.Errorf("metrics: prediction shape %v does not match reference %v", pred.Shape, truth.Shape)
	}
	for i, y := range truth.Data {
		d := pred.Data[i] - y
		a.absErr += math.Abs(d)
		a.sqErr += d * d
	}
	a.n += float64(len(truth.Data))
	a.sum += floats.Sum(truth.Data)
	a.sumSq += floats.Dot(truth.Data, truth.Data)
	a.min = math.Min(a.min, floats.Min(truth.Data))
	a.max = math.Max(a.max, floats.Max(truth.Data))
	return nil
}

// Reduce merges the sums of every member of g and computes the metrics.
// Every member returns the same values.
func (a *regressionAccumulator) Reduce(ctx context.Context, g distributed.Group) (RegressionMetrics, error) {
	mean, err := g.AllReduceMean(ctx, []float64{a.n, a.absErr, a.sqErr, a.sum, a.sumSq})
	if err != nil {
		return RegressionMetrics{}, err
	}
	lo, hi := a.min, a.max
	for root := 0; root < g.Size(); root++ {
		buf := []float64{a.min, a.max}
		if err := g.Broadcast(ctx, root, buf); err != nil {
			return RegressionMetrics{}, err
		}
		lo, hi = math.Min(lo, buf[0]), math.Max(hi, buf[1])
	}
	return regressionMetrics(mean[0], mean[1], mean[2], mean[3], mean[4], lo, hi, g.Size()), nil
}

// regressionMetrics takes member-averaged sums, so every ratio is
// unaffected by the averaging.
func regressionMetrics(n, absErr, sqErr, sum, sumSq, lo, hi float64, size int) RegressionMetrics {
	if n == 0 {
		return RegressionMetrics{}
	}
	m := RegressionMetrics{
		MAE:   absErr / n,
		MSE:   sqErr / n,
		Count: int(math.Round(n * float64(size))),
	}
	m.RMSE = math.Sqrt(m.MSE)
	if total := sumSq - sum*sum/n; total > 0 {
		m.R2 = 1 - sqErr/total
	}
	if hi > lo {
		m.NMAE = m.MAE / (hi - lo)
	}
	return m
}
