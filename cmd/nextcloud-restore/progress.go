package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
)

const tickInterval = 100 * time.Millisecond

// withProgress runs work on a worker goroutine and renders its events from
// this goroutine on every tick until the worker finishes.
func withProgress(work func(sink progress.Sink) error) error {
	queue := progress.NewQueue()
	go func() {
		queue.Finish(work(queue))
	}()

	p := &printer{out: os.Stderr, lastPercent: -1}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		<-ticker.C
		done, err := queue.Done()
		for _, ev := range queue.Drain() {
			p.print(ev)
		}
		if done {
			return err
		}
	}
}

type printer struct {
	out         io.Writer
	lastPhase   string
	lastPercent int
}

func (p *printer) print(ev models.ProgressEvent) {
	if jsonOutput || quiet {
		return
	}
	if ev.Phase == p.lastPhase && ev.Percent == p.lastPercent && !ev.Indeterminate {
		return
	}
	p.lastPhase, p.lastPercent = ev.Phase, ev.Percent

	msg := ev.Message
	if ev.Item != "" {
		msg += " " + ev.Item
	}
	if ev.Indeterminate {
		fmt.Fprintf(p.out, "[ ... ] %-10s %s\n", ev.Phase, msg)
		return
	}
	fmt.Fprintf(p.out, "[%4d%%] %-10s %s\n", ev.Percent, ev.Phase, msg)
}
