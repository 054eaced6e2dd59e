package trust

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalPrompter asks on a terminal and reads a y/N answer.
//
// Lines are read from In by a single goroutine owned by the prompter. A
// Confirm cancelled through ctx returns at once; that goroutine stays
// blocked on In until the operator presses enter or the process exits,
// and the line it then reads answers the next Confirm.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer

	once  sync.Once
	lines *lineReader
}

func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Confirm fails with ErrNonInteractive when In is not a terminal. It
// returns ctx.Err() if ctx is done before the operator answers.
func (p *TerminalPrompter) Confirm(ctx context.Context, message string) (bool, error) {
	if !term.IsTerminal(int(p.In.Fd())) {
		return false, ErrNonInteractive
	}
	p.once.Do(func() { p.lines = newLineReader(p.In) })
	return confirm(ctx, p.lines, p.Out, message)
}

func confirm(ctx context.Context, lines *lineReader, out io.Writer, message string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", message)

	line, err := lines.next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			fmt.Fprintln(out)
		}
		return false, err
	}
	return isYes(line), nil
}

type readResult struct {
	line string
	err  error
}

// lineReader turns blocking reads of in into a channel so callers can
// stop waiting. One bufio.Reader sees all input; nothing is dropped
// between calls.
type lineReader struct {
	in      io.Reader
	once    sync.Once
	results chan readResult
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{in: in, results: make(chan readResult)}
}

func (r *lineReader) run() {
	defer close(r.results)
	br := bufio.NewReader(r.in)
	for {
		line, err := br.ReadString('\n')
		r.results <- readResult{line: line, err: err}
		if err != nil {
			return
		}
	}
}

// next returns the next line. After the input is exhausted it returns
// io.EOF.
func (r *lineReader) next(ctx context.Context) (string, error) {
	r.once.Do(func() { go r.run() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-r.results:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

// StaticPrompter answers every prompt with Answer. Used for --yes and in
// non-interactive environments.
type StaticPrompter struct {
	Answer bool
}

func (p StaticPrompter) Confirm(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Answer, nil
}
