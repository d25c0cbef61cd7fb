// Package mount stacks the filesystems of a boot environment under a working
// root and takes them down again in reverse order.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/shell"
)

// Steps of Mount, in order.
const (
	StepEnvironment = 1
	StepGrub        = 2
	StepDev         = 3
	StepVar         = 4
)

// Entry is one mounted filesystem.
type Entry struct {
	Source string
	Target string
	FSType string
}

// Session records what one run has mounted. It is only used for unwinding.
type Session struct {
	Root    string
	entries []Entry
}

// Entries returns the mounted filesystems in mount order.
func (s *Session) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// MountError reports which mount step failed.
type MountError struct {
	Step   int
	Source string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount step %d: %s on %s: %v", e.Step, e.Source, e.Target, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Manager mounts and unmounts through external mount(8) and umount(8).
type Manager struct {
	Runner shell.Runner
	// Pool owns the grub dataset mounted at boot/grub.
	Pool     string
	MountCmd string
	Umount   string
	Logger   zerolog.Logger
}

// Mount mounts environment at workRoot, the pool's grub dataset at
// workRoot/boot/grub and a device filesystem at workRoot/dev. If any step
// fails, what was already mounted is unmounted in reverse before returning.
func (m *Manager) Mount(ctx context.Context, environment, workRoot string) (*Session, error) {
	s := &Session{Root: workRoot}
	steps := []struct {
		step  int
		entry Entry
		mkdir bool
	}{
		{StepEnvironment, Entry{Source: environment, Target: workRoot, FSType: "zfs"}, false},
		{StepGrub, Entry{Source: m.Pool + "/grub", Target: filepath.Join(workRoot, "boot", "grub"), FSType: "zfs"}, true},
		{StepDev, Entry{Source: "devtmpfs", Target: filepath.Join(workRoot, "dev"), FSType: "devtmpfs"}, true},
	}
	for _, st := range steps {
		if err := m.mount(ctx, st.entry, st.mkdir); err != nil {
			m.Logger.Error().Err(err).Int("step", st.step).Int("mounted", len(s.entries)).Msg("mount failed, unwinding")
			if uerr := m.unwind(context.WithoutCancel(ctx), s); uerr != nil {
				m.Logger.Warn().Err(uerr).Msg("unwind after mount failure")
			}
			return nil, &MountError{Step: st.step, Source: st.entry.Source, Target: st.entry.Target, Err: err}
		}
		s.entries = append(s.entries, st.entry)
	}
	return s, nil
}

// MountVar mounts a tmpfs at var inside the session root.
func (m *Manager) MountVar(ctx context.Context, s *Session) error {
	e := Entry{Source: "tmpfs", Target: filepath.Join(s.Root, "var"), FSType: "tmpfs"}
	if err := m.mount(ctx, e, true); err != nil {
		return &MountError{Step: StepVar, Source: e.Source, Target: e.Target, Err: err}
	}
	s.entries = append(s.entries, e)
	return nil
}

// Unmount unmounts every entry in reverse order and removes the now-empty
// working root. Every entry is attempted; failures are collected. The working
// root is only removed once all entries are gone. A root that is not empty is
// left in place and logged.
func (m *Manager) Unmount(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	if err := m.unwind(ctx, s); err != nil {
		return err
	}
	if err := os.Remove(s.Root); err != nil {
		m.Logger.Warn().Err(err).Str("path", s.Root).Msg("could not remove working root")
	}
	return nil
}

func (m *Manager) unwind(ctx context.Context, s *Session) error {
	var result *multierror.Error
	var remaining []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		m.Logger.Debug().Str("path", e.Target).Msg("unmounting")
		if _, err := shell.Run(ctx, m.Runner, orDefault(m.Umount, "umount"), e.Target); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmount %s: %w", e.Target, err))
			remaining = append([]Entry{e}, remaining...)
		}
	}
	s.entries = remaining
	return result.ErrorOrNil()
}

func (m *Manager) mount(ctx context.Context, e Entry, mkdir bool) error {
	if mkdir {
		if err := os.MkdirAll(e.Target, 0o755); err != nil {
			return err
		}
	}
	m.Logger.Info().Str("source", e.Source).Str("path", e.Target).Msg("mounting")
	_, err := shell.Run(ctx, m.Runner, orDefault(m.MountCmd, "mount"), "-t", e.FSType, e.Source, e.Target)
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
