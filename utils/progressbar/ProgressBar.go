// Package progressbar implements functionality of printing a progress
// bar for a rollout collection loop to the terminal window
package progressbar

import (
	"fmt"
	"strings"
	"time"
)

// ProgressBar implements a concurrent progress bar for tracking how
// many timesteps of a fill cycle have been collected. All updates are
// done in separate GoRoutines so that the progress bar runs
// concurrently with the collection loop.
type ProgressBar struct {
	// width determines the number of characters wide that the
	// progress bar should be
	width float64

	// totalSteps determines the number of times Step() should be
	// called before the progress bar reaches 100%. For a rollout
	// buffer this is its capacity.
	totalSteps float64

	// collectedSteps measures the number of times Step() was called
	collectedSteps float64

	// stepEvent is an event channel. When an event appears on this
	// channel, collectedSteps is incremented.
	stepEvent chan float64

	closeEvent chan struct{}
	closed     bool

	updateEvery time.Duration
}

// New returns a new progress bar that is width characters wide and
// reaches 100% capacity after totalSteps Step() calls.
func New(width, totalSteps int, updateEvery time.Duration) *ProgressBar {
	return &ProgressBar{
		width:          float64(width),
		totalSteps:     float64(totalSteps),
		collectedSteps: 0,
		stepEvent:      make(chan float64),
		closeEvent:     make(chan struct{}),
		closed:         false,
		updateEvery:    updateEvery,
	}
}

// Step records one collected timestep. It should be called once for
// each transition added to the buffer being tracked.
func (pbar *ProgressBar) Step() {
	go func() {
		if pbar.collectedSteps < pbar.totalSteps && !pbar.closed {
			pbar.stepEvent <- pbar.collectedSteps
			pbar.collectedSteps++
		}
	}()
}

// Close closes the progress bar so that it will no longer display to
// the screen. This function also cleans up any resources the progress
// bar is using.
func (pbar *ProgressBar) Close() {
	if pbar.closed {
		panic("close: close on closed progress bar")
	}
	close(pbar.closeEvent)
	pbar.closed = true
	fmt.Println() // Jump to next line after printed pbar
}

// Display displays the progress bar on the screen. It should only be
// called once.
func (pbar *ProgressBar) Display() {
	go func() {
		collected := pbar.collectedSteps
		total := pbar.totalSteps
		width := pbar.width

		tick := time.NewTicker(pbar.updateEvery)
		var elapsed time.Duration

		var bar strings.Builder

		for {
			select {
			case collected = <-pbar.stepEvent:

			case <-tick.C:
				elapsed += pbar.updateEvery

			case <-pbar.closeEvent:
				close(pbar.stepEvent)
				tick.Stop()
				return

			default:
				continue
			}

			bar.Reset()
			bar.Write([]byte("|"))

			progress := collected / total * width
			for i := 0.0; i < progress; i++ {
				bar.Write([]byte("█"))
			}
			for i := progress; i < width; i++ {
				bar.Write([]byte(" "))
			}
			bar.Write([]byte(fmt.Sprintf("| [%v/%v steps | elapsed: %v]",
				int(collected), int(total), elapsed)))

			fmt.Printf("\n\033[1A\033[K%v", bar.String())
		}
	}()
}
