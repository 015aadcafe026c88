package train

import (
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Progress is one recorded point of a training run.
type Progress struct {
	Step     int
	Loss     float64
	MLM      float64
	Span     float64
	Accuracy float64
}

// Reporter collects training and evaluation progress and plots it.
type Reporter struct {
	Train []Progress
	Eval  []Progress

	// LogEvery logs a training line every N recorded batches, 0 disables it.
	LogEvery int
}

// RecordTrain records the loss of one training batch.
func (r *Reporter) RecordTrain(p Progress) {
	r.Train = append(r.Train, p)
	if r.LogEvery > 0 && len(r.Train)%r.LogEvery == 0 {
		slog.Info("train", "step", p.Step, "loss", p.Loss, "mlm", p.MLM, "span", p.Span)
	}
}

// RecordEval records the result of one evaluation pass.
func (r *Reporter) RecordEval(p Progress) {
	r.Eval = append(r.Eval, p)
	slog.Info("eval", "step", p.Step, "loss", p.Loss, "mlm", p.MLM, "span", p.Span, "accuracy", p.Accuracy)
}

// Plot writes loss.png and, when there are evaluation points,
// accuracy.png into dir.
func (r *Reporter) Plot(dir string) error {
	if len(r.Train) == 0 && len(r.Eval) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Span model pretraining loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	if len(r.Train) > 0 {
		line, err := plotter.NewLine(points(r.Train, func(p Progress) float64 { return p.Loss }))
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
		line.Width = vg.Points(0.8)
		p.Add(line)
		p.Legend.Add("train", line)
	}
	if len(r.Eval) > 0 {
		line, err := plotter.NewLine(points(r.Eval, func(p Progress) float64 { return p.Loss }))
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add("eval", line)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(dir, "loss.png")); err != nil {
		return fmt.Errorf("failed to save loss plot: %w", err)
	}

	if len(r.Eval) == 0 {
		return nil
	}
	acc := plot.New()
	acc.Title.Text = "Masked token accuracy"
	acc.X.Label.Text = "step"
	acc.Y.Label.Text = "accuracy"
	acc.Y.Min = 0
	acc.Y.Max = 1
	acc.Add(plotter.NewGrid())
	line, err := plotter.NewLine(points(r.Eval, func(p Progress) float64 { return p.Accuracy }))
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 40, G: 120, B: 40, A: 255}
	acc.Add(line)
	if err := acc.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(dir, "accuracy.png")); err != nil {
		return fmt.Errorf("failed to save accuracy plot: %w", err)
	}
	return nil
}

func points(progress []Progress, y func(Progress) float64) plotter.XYs {
	xys := make(plotter.XYs, 0, len(progress))
	for _, p := range progress {
		xys = append(xys, plotter.XY{X: float64(p.Step), Y: y(p)})
	}
	return xys
}
