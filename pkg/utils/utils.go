// pkg/utils/utils.go

package utils

import (
	"os"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var started = time.Now()

// Clock returns the monotonic time elapsed since process start.
func Clock() time.Duration {
	return time.Since(started)
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CPUTime returns user and system CPU seconds consumed by this process.
func CPUTime() (user, sys float64) {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	user = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	sys = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	return
}

// NewDynProgressBar init a dynamic progress bar, the title will appear at
// the head of the bar. Output is discarded when quiet or not a terminal.
func NewDynProgressBar(title string, quiet bool) (*mpb.Progress, *mpb.Bar) {
	var progress *mpb.Progress
	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		progress = mpb.New(mpb.WithWidth(64))
	} else {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := progress.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	return progress, bar
}
