// Package commandline provides command-line progress reporting for a train.Loop.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/dtensor/train"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps int
	bar      *progressbar.ProgressBar
}

// AttachProgressBar creates a commandline progress bar to follow the training of
// the loop: one bar tick per step, with the current loss appended, and a summary
// line at the end of the run.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{}
	loop.OnStart("commandline.progressBar", pBar.onStart)
	loop.OnStep("commandline.progressBar", pBar.onStep)
	loop.OnEnd("commandline.progressBar", pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.numSteps = loop.EndStep - loop.StartStep
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training (%d steps): ", pBar.numSteps)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics train.StepMetrics) error {
	pBar.bar.Describe(fmt.Sprintf("Training (%d steps, loss=%.4f): ", pBar.numSteps, metrics.Loss))
	return pBar.bar.Add(1)
}

var summaryStyle = lipgloss.NewStyle().Bold(true)

func (pBar *progressBar) onEnd(loop *train.Loop, metrics train.StepMetrics) error {
	if err := pBar.bar.Finish(); err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(summaryStyle.Render(
		fmt.Sprintf("Training done: %d steps, final loss %.4f, median step duration %s",
			pBar.numSteps, metrics.Loss, loop.MedianTrainStepDuration())))
	return nil
}
