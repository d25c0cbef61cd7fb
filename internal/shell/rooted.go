package shell

import (
	"context"
	"errors"
	"os"
)

// ChrootBinary is the program used to enter a rooted scope.
var ChrootBinary = "chroot"

// ErrNotRoot is returned by a rooted runner when the process cannot chroot.
var ErrNotRoot = errors.New("must be root to run rooted commands")

// rootedEnv resets the pieces of the environment that would leak host paths
// into the new root.
var rootedEnv = []string{"PWD=/", "LD_LIBRARY_PATH=/usr/local/lib", "PYTHONPATH="}

type rooted struct {
	base Runner
	root string
}

// Rooted returns a Runner whose commands execute as if root were "/".
// The scope ends with each command since every command is its own process.
func Rooted(base Runner, root string) Runner {
	return rooted{base: base, root: root}
}

func (r rooted) Exec(ctx context.Context, c Command) (Result, error) {
	if _, isExec := r.base.(Exec); isExec && os.Geteuid() != 0 {
		return Result{Code: -1}, &CommandError{Command: c.String(), Code: -1, Err: ErrNotRoot}
	}
	args := append([]string{r.root, c.Name}, c.Args...)
	env := append(append([]string{}, rootedEnv...), c.Env...)
	return r.base.Exec(ctx, Command{Name: ChrootBinary, Args: args, Env: env, Secrets: c.Secrets})
}
