package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gosuri/uilive"
	"github.com/mattn/go-isatty"
)

// TerminalPrinter keeps one live line per output and redraws them at a
// fixed frequency. On a non terminal it prints nothing until Stop, where
// the final lines are written once.
type TerminalPrinter struct {
	outputs   []*ParallelOutput
	frequency time.Duration
	doneCh    chan struct{}
	stopOnce  *sync.Once
	wg        *sync.WaitGroup

	live    bool
	out     io.Writer
	writer  *uilive.Writer
	writers []io.Writer
}

func NewTerminalPrinter(out *os.File, frequency time.Duration) *TerminalPrinter {
	live := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	writer := uilive.New()
	writer.Out = out
	return &TerminalPrinter{
		outputs:   make([]*ParallelOutput, 0),
		frequency: frequency,
		doneCh:    make(chan struct{}),
		stopOnce:  new(sync.Once),
		wg:        new(sync.WaitGroup),
		live:      live,
		out:       out,
		writer:    writer,
		writers:   make([]io.Writer, 0),
	}
}

// Live reports whether the printer redraws in place.
func (t *TerminalPrinter) Live() bool {
	return t.live
}

func (t *TerminalPrinter) NewOutput(label string) *ParallelOutput {
	out := NewParallelOutput(label)
	t.outputs = append(t.outputs, out)
	t.writers = append(t.writers, t.writer.Newline())
	return out
}

func (t *TerminalPrinter) Start(ctx context.Context) {
	if !t.live {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.frequency)
		defer ticker.Stop()
		for {
			select {
			case <-t.doneCh:
				t.print()
				return
			case <-ctx.Done():
				t.print()
				return
			case <-ticker.C:
				t.print()
			}
		}
	}()
}

// Stop draws the last state of every output.
func (t *TerminalPrinter) Stop() {
	t.stopOnce.Do(func() {
		close(t.doneCh)
		t.wg.Wait()
		if !t.live {
			for _, output := range t.outputs {
				fmt.Fprintln(t.out, output.String())
			}
		}
	})
}

func (t *TerminalPrinter) print() {
	for i, output := range t.outputs {
		fmt.Fprint(t.writers[i], output.String()+"\n")
	}
	t.writer.Flush()
}

// ParallelOutput is one line of the printer, updated from any goroutine.
type ParallelOutput struct {
	mu        *sync.Mutex
	label     string
	printable string
}

func NewParallelOutput(label string) *ParallelOutput {
	return &ParallelOutput{
		mu:    new(sync.Mutex),
		label: label,
	}
}

// Set the output string (blocking)
func (p *ParallelOutput) Set(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printable = s
}

// Setf formats and sets the output string.
func (p *ParallelOutput) Setf(format string, args ...interface{}) {
	p.Set(fmt.Sprintf(format, args...))
}

// Try to set the output string (non-blocking)
func (p *ParallelOutput) TrySet(s string) bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()
	p.printable = s
	return true
}

func (p *ParallelOutput) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printable
}

func (p *ParallelOutput) String() string {
	if p.label == "" {
		return p.Get()
	}
	return p.label + ": " + p.Get()
}
