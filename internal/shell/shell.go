package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Result holds the captured output of a finished command.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Command describes one external program invocation. Env entries are added to
// the ambient environment of the runner.
type Command struct {
	Name string
	Args []string
	Env  []string
	// Secrets are values that must not appear in logs or errors.
	Secrets []string
}

// Masked replaces every secret value in the command with this string.
const Masked = "********"

func (c Command) String() string {
	s := c.Name
	if len(c.Args) > 0 {
		s += " " + strings.Join(c.Args, " ")
	}
	return c.Redact(s)
}

// Redact masks the secrets of c in s.
func (c Command) Redact(s string) string {
	for _, secret := range c.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, Masked)
		}
	}
	return s
}

// Runner executes external commands. Implementations block until the command exits.
type Runner interface {
	Exec(ctx context.Context, c Command) (Result, error)
}

// CommandError reports a command that could not be started or exited non-zero.
type CommandError struct {
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %q returned %d: %s", e.Command, e.Code, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run is a convenience wrapper around r.Exec.
func Run(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	return r.Exec(ctx, Command{Name: name, Args: args})
}

// Output runs the command and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := Run(ctx, r, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(res.Stdout), "\r\n"), nil
}

// Exec runs commands on the host. Commands always run to completion: a
// cancelled ctx is left for the caller to check between commands, so that
// cleanup like umount or zpool export still works after an interrupt.
type Exec struct {
	Logger zerolog.Logger
	// Env is appended to os.Environ for every command.
	Env []string
}

func (x Exec) Exec(_ context.Context, c Command) (Result, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = append(append(os.Environ(), x.Env...), c.Env...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	x.Logger.Debug().Str("cmd", c.String()).Msg("run")
	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	stderr := c.Redact(errBuf.String())
	if stderr != "" {
		x.Logger.Debug().Str("cmd", c.Name).Str("stderr", strings.TrimSpace(stderr)).Msg("stderr")
	}
	if err != nil {
		return res, &CommandError{Command: c.String(), Code: res.Code, Stderr: stderr, Err: err}
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
