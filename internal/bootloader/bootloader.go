// Package bootloader writes GRUB to the boot pool disks and activates the new
// boot environment.
package bootloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/logging"
	"github.com/freenas/ix-installer/internal/shell"
)

// DefaultGrubFile is edited for EFI installs to switch the terminal to gfxterm.
const DefaultGrubFile = "conf/base/etc/local/default/grub"

// BootLoaderError reports the command that failed while installing the boot loader.
type BootLoaderError struct {
	Command  string
	ExitCode int
	Message  string
	Err      error
}

func (e *BootLoaderError) Error() string {
	return fmt.Sprintf("boot loader: %q returned %d: %s", e.Command, e.ExitCode, e.Message)
}

func (e *BootLoaderError) Unwrap() error { return e.Err }

// ErrNoBootPartition means partition 1 of a disk could not be found.
var ErrNoBootPartition = errors.New("no boot partition")

// BootPartitionEFI reports whether d boots through EFI, judging by partition 1.
func BootPartitionEFI(d disks.Disk) (bool, error) {
	p, ok := d.Partition(1)
	if !ok {
		return false, fmt.Errorf("%s: %w", d.Name, ErrNoBootPartition)
	}
	return strings.EqualFold(p.TypeGUID, disks.EFISystemGUID), nil
}

// Installer installs GRUB from inside a new root.
type Installer struct {
	// Runner runs host commands; rooted commands go through shell.Rooted.
	Runner shell.Runner
	Tools  config.Tools
	// Files are rewritten to name the new environment and restored afterwards.
	Files  []string
	Logger zerolog.Logger
}

// New returns an Installer configured from cfg.
func New(r shell.Runner, cfg config.Config, log zerolog.Logger) *Installer {
	return &Installer{
		Runner: r,
		Tools:  cfg.Tools,
		Files:  cfg.GrubFiles,
		Logger: logging.Component(log, "bootloader"),
	}
}

type backup struct {
	path string
	data []byte
	mode os.FileMode
}

var grubEnv = []string{"GRUB_TERMINAL_OUTPUT=console serial"}

// Install writes boot code to every disk, activates environment and
// regenerates grub.cfg. Files edited along the way are restored to their
// original bytes whatever the outcome.
func (in *Installer) Install(ctx context.Context, rootPath string, ds []disks.Disk, environment string, efi bool) (err error) {
	files := append([]string(nil), in.Files...)
	if efi {
		files = append(files, DefaultGrubFile)
	}
	backups, err := in.backup(rootPath, files)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := in.restore(backups); rerr != nil && err == nil {
			err = rerr
		}
	}()
	for _, b := range backups {
		edited := rewriteRootFS(b.data, environment)
		if efi && strings.HasSuffix(b.path, DefaultGrubFile) {
			edited = bytes.ReplaceAll(edited, []byte("GRUB_TERMINAL_OUTPUT=console"), []byte("GRUB_TERMINAL_OUTPUT=gfxterm"))
		}
		if werr := os.WriteFile(b.path, edited, b.mode); werr != nil {
			return &BootLoaderError{Command: "edit " + b.path, ExitCode: -1, Message: werr.Error(), Err: werr}
		}
	}

	defer in.linkEtcLocal(rootPath)()

	rooted := shell.Rooted(in.Runner, rootPath)
	for _, d := range ds {
		in.Logger.Info().Str("disk", d.Name).Bool("efi", efi).Msg("installing boot loader")
		if efi {
			err = in.installEFI(ctx, rooted, rootPath, d)
		} else {
			err = in.rooted(ctx, rooted, in.Tools.GrubInstall, "--target=i386-pc", "--modules=zfs part_gpt", d.Path)
		}
		if err != nil {
			return err
		}
	}
	if err := in.rooted(ctx, rooted, in.Tools.Beadm, "activate", path.Base(environment)); err != nil {
		return err
	}
	return in.rooted(ctx, rooted, in.Tools.GrubMkconfig, "-o", "/boot/grub/grub.cfg")
}

func (in *Installer) installEFI(ctx context.Context, rooted shell.Runner, rootPath string, d disks.Disk) (err error) {
	esp := d.PartitionPath(1)
	if _, lerr := shell.Run(ctx, in.Runner, in.Tools.Fatlabel, esp, "EFI"); lerr != nil {
		in.Logger.Warn().Err(lerr).Str("partition", esp).Msg("relabel EFI partition")
	}
	efiDir := filepath.Join(rootPath, "boot", "efi")
	if merr := os.MkdirAll(efiDir, 0o755); merr != nil {
		return &BootLoaderError{Command: "mkdir " + efiDir, ExitCode: -1, Message: merr.Error(), Err: merr}
	}
	if _, merr := shell.Run(ctx, in.Runner, in.Tools.Mount, "-t", "vfat", esp, efiDir); merr != nil {
		return commandError(merr)
	}
	defer func() {
		if _, uerr := shell.Run(context.WithoutCancel(ctx), in.Runner, in.Tools.Umount, efiDir); uerr != nil && err == nil {
			err = commandError(uerr)
		}
	}()
	return in.rooted(ctx, rooted, in.Tools.GrubInstall, "--target=x86_64-efi", "--efi-directory=/boot/efi", "--removable", d.Path)
}

func (in *Installer) rooted(ctx context.Context, r shell.Runner, name string, args ...string) error {
	if _, err := r.Exec(ctx, shell.Command{Name: name, Args: args, Env: grubEnv}); err != nil {
		return commandError(err)
	}
	return nil
}

func (in *Installer) backup(rootPath string, files []string) ([]backup, error) {
	var out []backup
	for _, f := range files {
		p := filepath.Join(rootPath, f)
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			in.Logger.Warn().Str("path", p).Msg("boot loader file missing, not editing")
			continue
		}
		if err != nil {
			return nil, &BootLoaderError{Command: "backup " + p, ExitCode: -1, Message: err.Error(), Err: err}
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &BootLoaderError{Command: "backup " + p, ExitCode: -1, Message: err.Error(), Err: err}
		}
		in.Logger.Debug().Str("path", p).Msg("backed up")
		out = append(out, backup{path: p, data: data, mode: info.Mode().Perm()})
	}
	return out, nil
}

func (in *Installer) restore(backups []backup) error {
	var first error
	for _, b := range backups {
		in.Logger.Debug().Str("path", b.path).Msg("restoring")
		if err := os.WriteFile(b.path, b.data, b.mode); err != nil {
			in.Logger.Error().Err(err).Str("path", b.path).Msg("restore failed")
			if first == nil {
				first = &BootLoaderError{Command: "restore " + b.path, ExitCode: -1, Message: err.Error(), Err: err}
			}
		}
	}
	return first
}

// linkEtcLocal points etc/local at /conf/base/etc/local for the duration of
// the install. A previous symlink is put back by the returned func.
func (in *Installer) linkEtcLocal(rootPath string) func() {
	p := filepath.Join(rootPath, "etc", "local")
	old, err := os.Readlink(p)
	hadLink := err == nil
	if hadLink {
		if err := os.Remove(p); err != nil {
			in.Logger.Warn().Err(err).Str("path", p).Msg("could not replace etc/local")
			return func() {}
		}
	}
	created := false
	if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
			created = os.Symlink("/conf/base/etc/local", p) == nil
		}
	}
	return func() {
		if !hadLink {
			return
		}
		if created {
			_ = os.Remove(p)
		}
		if err := os.Symlink(old, p); err != nil {
			in.Logger.Warn().Err(err).Str("path", p).Msg("could not restore etc/local")
		}
	}
}

// rewriteRootFS replaces every ROOTFS= line, leaving all other bytes alone.
func rewriteRootFS(data []byte, environment string) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i, l := range lines {
		if bytes.HasPrefix(l, []byte("ROOTFS=")) {
			lines[i] = []byte("ROOTFS=" + environment)
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

func commandError(err error) error {
	var ce *shell.CommandError
	if errors.As(err, &ce) {
		return &BootLoaderError{Command: ce.Command, ExitCode: ce.Code, Message: strings.TrimSpace(ce.Stderr), Err: err}
	}
	return &BootLoaderError{ExitCode: -1, Message: err.Error(), Err: err}
}
