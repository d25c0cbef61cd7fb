// Package migrate carries configuration from an existing boot environment
// into a new one across an upgrade.
package migrate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/logging"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/zfs"
)

// UpgradePaths are copied, relative to the environment root, across upgrades.
var UpgradePaths = []string{
	"data",
	"conf/base/etc/hostid",
	"root/.ssh",
	"boot/modules",
	"usr/local/fusionio",
	"boot.config",
	"boot/loader.conf.local",
}

// ErrNoActiveEnvironment means the old pool has no bootfs to upgrade from.
var ErrNoActiveEnvironment = errors.New("no active boot environment for upgrade")

// ConfigMigrationError reports which migration operation failed.
type ConfigMigrationError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConfigMigrationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config migration %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("config migration %s: %v", e.Op, e.Err)
}

func (e *ConfigMigrationError) Unwrap() error { return e.Err }

// Migrator stages configuration out of an old pool and replays it into a new root.
type Migrator struct {
	Runner shell.Runner
	ZFS    zfs.Client
	Mount  string
	Umount string
	// TempDir is where staging and mount directories are created.
	TempDir string
	// StagingName is the name the old pool is imported under while reading it.
	StagingName string
	Paths       []string
	Progress    func(src, dst string)
	Logger      zerolog.Logger
}

// New returns a Migrator configured from cfg.
func New(r shell.Runner, z zfs.Client, cfg config.Config, log zerolog.Logger) *Migrator {
	return &Migrator{
		Runner:      r,
		ZFS:         z,
		Mount:       cfg.Tools.Mount,
		Umount:      cfg.Tools.Umount,
		StagingName: cfg.PoolName + "-upgrade",
		Paths:       UpgradePaths,
		Logger:      logging.Component(log, "migrate"),
	}
}

// Stage copies the allowlisted paths of old's active environment into a new
// temporary directory and returns it. The pool is exported again whatever
// happens.
func (m *Migrator) Stage(ctx context.Context, old zfs.ImportablePool) (string, error) {
	staging, err := os.MkdirTemp(m.TempDir, "upgrade-")
	if err != nil {
		return "", &ConfigMigrationError{Op: "stage", Err: err}
	}
	err = m.withEnvironment(ctx, old, func(root string) error {
		m.Logger.Info().Str("from", root).Str("to", staging).Msg("copying configuration for upgrade")
		return m.copyPaths(ctx, root, staging, "stage")
	})
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	return staging, nil
}

// Replay copies the staged paths into destRoot. staging is always removed.
func (m *Migrator) Replay(ctx context.Context, staging, destRoot string) error {
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			m.Logger.Warn().Err(err).Str("path", staging).Msg("could not remove staging directory")
		}
	}()
	m.Logger.Info().Str("from", staging).Str("to", destRoot).Msg("restoring configuration")
	return m.copyPaths(ctx, staging, destRoot, "restore")
}

// Probe reports whether old can be upgraded by product: it must import, have
// an active environment and carry a version file naming the product.
func (m *Migrator) Probe(ctx context.Context, old zfs.ImportablePool, product config.Product) (bool, error) {
	ok := false
	err := m.withEnvironment(ctx, old, func(root string) error {
		f, err := os.Open(filepath.Join(root, "etc", "version"))
		if err != nil {
			m.Logger.Info().Err(err).Msg("no version file in old environment")
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		if sc.Scan() {
			version := strings.TrimSpace(sc.Text())
			m.Logger.Info().Str("version", version).Msg("found installed version")
			ok = strings.HasPrefix(version, product.Name)
		}
		return nil
	})
	if errors.Is(err, ErrNoActiveEnvironment) {
		return false, nil
	}
	return ok, err
}

// withEnvironment imports old read-only under the staging name, mounts its
// active environment read-only and runs fn on it. Unmount and export always
// run, even after ctx is cancelled; their failures are returned only if fn
// succeeded.
func (m *Migrator) withEnvironment(ctx context.Context, old zfs.ImportablePool, fn func(root string) error) (err error) {
	name := m.StagingName
	cleanup := context.WithoutCancel(ctx)
	if err := m.ZFS.Import(ctx, old, zfs.ImportOptions{NewName: name, ReadOnly: true, NoMount: true, Force: true, CacheFile: "none"}); err != nil {
		return &ConfigMigrationError{Op: "import", Path: old.String(), Err: err}
	}
	m.Logger.Info().Str("pool", old.String()).Str("as", name).Msg("imported old boot pool")
	defer func() {
		if xerr := m.ZFS.Export(cleanup, name, false); xerr != nil {
			m.Logger.Warn().Err(xerr).Str("pool", name).Msg("export old boot pool")
			if err == nil {
				err = &ConfigMigrationError{Op: "export", Path: name, Err: xerr}
			}
		}
	}()

	bootfs, err := m.ZFS.PoolProperty(ctx, name, "bootfs")
	if err != nil {
		return &ConfigMigrationError{Op: "bootfs", Path: name, Err: err}
	}
	if bootfs == "" || bootfs == "-" {
		return &ConfigMigrationError{Op: "bootfs", Path: name, Err: ErrNoActiveEnvironment}
	}
	// The dataset lives in the pool under its temporary name.
	if _, rest, ok := strings.Cut(bootfs, "/"); ok {
		bootfs = name + "/" + rest
	}

	mp, err := os.MkdirTemp(m.TempDir, "oldbe-")
	if err != nil {
		return &ConfigMigrationError{Op: "mount", Path: bootfs, Err: err}
	}
	defer os.Remove(mp)
	if _, err := shell.Run(ctx, m.Runner, orDefault(m.Mount, "mount"), "-t", "zfs", "-o", "ro", bootfs, mp); err != nil {
		return &ConfigMigrationError{Op: "mount", Path: bootfs, Err: err}
	}
	defer func() {
		if _, uerr := shell.Run(cleanup, m.Runner, orDefault(m.Umount, "umount"), mp); uerr != nil {
			m.Logger.Warn().Err(uerr).Str("path", mp).Msg("unmount old environment")
			if err == nil {
				err = &ConfigMigrationError{Op: "unmount", Path: mp, Err: uerr}
			}
		}
	}()
	return fn(mp)
}

func (m *Migrator) copyPaths(ctx context.Context, from, to, op string) error {
	paths := m.Paths
	if paths == nil {
		paths = UpgradePaths
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return &ConfigMigrationError{Op: op, Path: p, Err: err}
		}
		src := filepath.Join(from, p)
		dst := filepath.Join(to, p)
		if _, err := os.Lstat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return &ConfigMigrationError{Op: op, Path: p, Err: err}
		}
		err := CopyTree(src, dst, func(s, d string) {
			m.Logger.Debug().Str("src", s).Str("dst", d).Msg("copied")
			if m.Progress != nil {
				m.Progress(s, d)
			}
		})
		if err != nil {
			return &ConfigMigrationError{Op: op, Path: p, Err: err}
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
