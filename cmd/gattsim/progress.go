package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ProgressPrinter reports phase changes with the elapsed time, one line per phase.
// Phases listed as stop phases end the output; later phases are dropped.
type ProgressPrinter struct {
	prefix     string
	out        io.Writer
	stopPhases map[string]struct{}
	startTime  time.Time

	mu      sync.Mutex
	phase   string
	stopped bool
}

// NewProgressPrinter creates a printer writing to out.
func NewProgressPrinter(out io.Writer, prefix string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	return &ProgressPrinter{
		prefix:     prefix,
		out:        out,
		stopPhases: stopSet,
		startTime:  time.Now(),
	}
}

// Callback returns a phase callback for the scanner and inspector packages.
func (p *ProgressPrinter) Callback() func(phase string) {
	return p.SetPhase
}

// SetPhase prints phase if it differs from the current one.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || phase == p.phase {
		return
	}
	p.phase = phase

	elapsed := time.Since(p.startTime).Seconds()
	fmt.Fprintf(p.out, "%s %s %s\n",
		color.New(color.Bold).Sprint(p.prefix),
		color.CyanString(phase),
		color.New(color.Faint).Sprintf("(%.1fs)", elapsed))

	if _, stop := p.stopPhases[phase]; stop {
		p.stopped = true
	}
}

// Stop suppresses further output.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
