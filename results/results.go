// Package results renders workload metrics as PNG charts.
package results

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alanwang67/stabilizing_registers/client"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	LatencyFile    = "latency.png"
	ThroughputFile = "throughput.png"
)

// Series holds the points of one chart.
type Series struct {
	Title, XLabel, YLabel string
	Points                plotter.XYs
}

// Latency plots per-operation latency in milliseconds.
func Latency(m client.Metrics) Series {
	s := Series{Title: "Latency", XLabel: "Operation", YLabel: "Latency (ms)"}
	for i, sample := range m.Samples {
		s.Points = append(s.Points, plotter.XY{
			X: float64(i + 1),
			Y: float64(sample.Latency.Microseconds()) / 1000,
		})
	}
	return s
}

// Throughput plots cumulative operations per second over time.
func Throughput(m client.Metrics) Series {
	s := Series{Title: "Throughput", XLabel: "Time (s)", YLabel: "Throughput (operations/s)"}
	for i, sample := range m.Samples {
		elapsed := sample.Elapsed.Seconds()
		if elapsed == 0 {
			continue
		}
		s.Points = append(s.Points, plotter.XY{X: elapsed, Y: float64(i+1) / elapsed})
	}
	return s
}

// Save renders s as a PNG at path.
func Save(s Series, path string) error {
	p := plot.New()
	p.Title.Text = s.Title
	p.X.Label.Text = s.XLabel
	p.Y.Label.Text = s.YLabel

	if len(s.Points) > 0 {
		line, err := plotter.NewLine(s.Points)
		if err != nil {
			return fmt.Errorf("failed to build %s line: %w", s.Title, err)
		}
		p.Add(line)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s chart: %w", s.Title, err)
	}
	return nil
}

// Write renders the latency and throughput charts into dir.
func Write(m client.Metrics, dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	if err := Save(Latency(m), filepath.Join(dir, LatencyFile)); err != nil {
		return err
	}
	return Save(Throughput(m), filepath.Join(dir, ThroughputFile))
}
