// Package shelltest provides a recording shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/freenas/ix-installer/internal/shell"
)

type response struct {
	match  string
	stdout string
	code   int
	stderr string
	hook   func(shell.Command)
}

// Fake records every command and answers from registered responses.
// Unmatched commands succeed with empty output.
type Fake struct {
	// Cancelable makes commands fail without running once their ctx is done,
	// the way a runner built on exec.CommandContext behaves.
	Cancelable bool

	mu        sync.Mutex
	calls     []shell.Command
	responses []response
}

// On makes commands whose command line contains match print stdout.
func (f *Fake) On(match, stdout string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, stdout: stdout})
	return f
}

// Fail makes commands whose command line contains match exit with code.
func (f *Fake) Fail(match string, code int, stderr string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, code: code, stderr: stderr})
	return f
}

// Hook runs fn (for side effects such as creating files) when a matching command runs.
func (f *Fake) Hook(match string, fn func(shell.Command)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, hook: fn})
	return f
}

func (f *Fake) Exec(ctx context.Context, c shell.Command) (shell.Result, error) {
	line := c.String()
	if f.Cancelable && ctx.Err() != nil {
		return shell.Result{Code: -1}, &shell.CommandError{Command: line, Code: -1, Err: ctx.Err()}
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	var hit *response
	var hooks []func(shell.Command)
	for i := range f.responses {
		r := &f.responses[i]
		if !strings.Contains(line, r.match) {
			continue
		}
		if r.hook != nil {
			hooks = append(hooks, r.hook)
			continue
		}
		if hit == nil {
			hit = r
		}
	}
	f.mu.Unlock()

	for _, h := range hooks {
		h(c)
	}
	if hit == nil {
		return shell.Result{}, nil
	}
	res := shell.Result{Stdout: []byte(hit.stdout), Stderr: []byte(hit.stderr), Code: hit.code}
	if hit.code != 0 {
		return res, &shell.CommandError{Command: line, Code: hit.code, Stderr: c.Redact(hit.stderr)}
	}
	return res, nil
}

// Commands returns every recorded command line in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

// Calls returns the recorded commands.
func (f *Fake) Calls() []shell.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shell.Command(nil), f.calls...)
}

// Count returns how many recorded command lines contain match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}
