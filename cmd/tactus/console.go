package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/hitl"
)

// consoleHandler answers human-in-the-loop requests from an interactive
// terminal: prompts go to out, answers come one line at a time from in.
// Prompts are serialized, so parallel requests queue.
type consoleHandler struct {
	in  io.Reader
	out io.Writer

	mu    sync.Mutex
	once  sync.Once
	lines chan string
}

var _ hitl.Handler = (*consoleHandler)(nil)

func newConsoleHandler(in io.Reader, out io.Writer) *consoleHandler {
	return &consoleHandler{in: in, out: out, lines: make(chan string)}
}

// Request implements hitl.Handler. A deadline set by the gateway resolves
// like Silent: the request times out instead of failing the run.
func (c *consoleHandler) Request(ctx context.Context, req hitl.Request) (hitl.Response, error) {
	c.once.Do(func() { go c.pump() })

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n[%s] %s%s", req.Kind, req.Message, promptSuffix(req))
	select {
	case line, ok := <-c.lines:
		if !ok {
			return hitl.Response{}, fault.New(fault.KindValidation, "stdin closed while awaiting %s", req.Kind)
		}
		return answer(req, strings.TrimSpace(line)), nil
	case <-ctx.Done():
		if req.Timeout > 0 && ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(c.out, "(timed out)")
			return hitl.Response{TimedOut: true}, nil
		}
		return hitl.Response{}, ctx.Err()
	}
}

// pump feeds stdin lines to waiting requests. One goroutine for the process
// lifetime; a line typed with no request pending answers the next one.
func (c *consoleHandler) pump() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	close(c.lines)
}

func answer(req hitl.Request, line string) hitl.Response {
	switch req.Kind {
	case hitl.KindApprove:
		if line == "" && req.HasDefault {
			return hitl.Response{Value: req.Default}
		}
		switch strings.ToLower(line) {
		case "y", "yes", "true":
			return hitl.Response{Value: true}
		default:
			return hitl.Response{Value: false}
		}
	case hitl.KindInput:
		if line == "" && req.HasDefault {
			return hitl.Response{Value: req.Default}
		}
		return hitl.Response{Value: line}
	default:
		if line == "" {
			return hitl.Response{Value: map[string]any{"approved": true}}
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			v = line
		}
		return hitl.Response{Value: v}
	}
}

func promptSuffix(req hitl.Request) string {
	switch req.Kind {
	case hitl.KindApprove:
		if b, ok := req.Default.(bool); ok && b && req.HasDefault {
			return " [Y/n] "
		}
		return " [y/N] "
	case hitl.KindInput:
		if req.HasDefault {
			return fmt.Sprintf(" [%v] ", req.Default)
		}
		return " "
	default:
		return " (empty approves, or JSON) "
	}
}
