package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// RenderLearningCurve writes an interactive HTML line chart with one series
// per metric in history, indexed by epoch.
func RenderLearningCurve(history map[string][]float64, path string) error {
	names := make([]string, 0, len(history))
	epochs := 0
	for name, values := range history {
		names = append(names, name)
		if len(values) > epochs {
			epochs = len(values)
		}
	}
	if epochs == 0 {
		return fmt.Errorf("learning curve: empty history")
	}
	sort.Strings(names)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "500px", Theme: "light"}),
		charts.WithTitleOpts(opts.Title{Title: "Learning curve"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "loss"}),
	)

	labels := make([]string, epochs)
	for i := range labels {
		labels[i] = strconv.Itoa(i + 1)
	}
	line.SetXAxis(labels)
	for _, name := range names {
		values := history[name]
		data := make([]opts.LineData, len(values))
		for i, v := range values {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(name, data)
	}
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create chart directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()
	if err := line.Render(f); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// WriteLossHistory saves rows (one per loss component, one column per
// epoch) as a 2-D float64 .npy array.
func WriteLossHistory(path string, rows [][]float64) error {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return fmt.Errorf("loss history is empty")
	}
	cols := len(rows[0])
	m := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		if len(r) != cols {
			return fmt.Errorf("loss history row %d has %d values, want %d", i, len(r), cols)
		}
		m.SetRow(i, r)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create loss history: %w", err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write loss history: %w", err)
	}
	return f.Close()
}

// ReadLossHistory loads a file written by WriteLossHistory.
func ReadLossHistory(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, fmt.Errorf("failed to read loss history: %w", err)
	}
	return &m, nil
}
