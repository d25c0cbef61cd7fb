package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/install"
	"github.com/freenas/ix-installer/internal/packages"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/zfs"
)

// efiFirmwarePath exists when the machine booted through UEFI.
var efiFirmwarePath = "/sys/firmware/efi"

func bootedEFI() bool {
	_, err := os.Stat(efiFirmwarePath)
	return err == nil
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or upgrade the operating system",
		Long: `Install the operating system on the selected disks, or upgrade an existing boot pool.

Without --disk and on a terminal the installer asks for everything it needs.`,
		Example: `  freenas-installer install
  freenas-installer install --yes --disk sda --disk sdb --efi --password-file /tmp/pw
  freenas-installer install --yes --upgrade`,
		RunE: runInstall,
	}
	f := cmd.Flags()
	f.StringSlice("disk", nil, "disk to install to (repeat for a mirror)")
	f.Bool("efi", false, "boot via UEFI (default: how this system booted)")
	f.Bool("bios", false, "boot via BIOS")
	f.Bool("upgrade", false, "upgrade the existing boot pool, keeping its configuration")
	f.String("manifest", "", "package manifest (default: <package dir>/<product>-MANIFEST)")
	f.String("packages", "", "package directory")
	f.Bool("temporary-packages", false, "remove the package directory afterwards")
	f.String("data-dir", "", "directory copied into the new data directory on fresh installs")
	f.String("password-file", "", "file holding the root password")
	f.Bool("yes", false, "do not prompt")
	f.Bool("force", false, "install even when the system has too little memory")
	return cmd
}

func runInstall(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if os.Geteuid() != 0 {
		return errors.New("installer must be run as root")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	tty := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	interactive := tty && !viper.GetBool("yes") && len(viper.GetStringSlice("disk")) == 0 && !viper.GetBool("upgrade")

	o := install.New(a.cfg, shell.Exec{Logger: a.log}, a.log)
	p := &presenter{out: out, tty: tty}
	o.Notifier = p

	showWelcome(out, a.cfg.Product)

	if err := o.ValidateSystem(ctx); err != nil {
		switch {
		case viper.GetBool("force"):
			color.New(color.FgYellow).Fprintf(out, "warning: %v\n", err)
		case interactive:
			color.New(color.FgYellow).Fprintf(out, "This computer has less memory than recommended: %v\n", err)
			ok, perr := askConfirm("Continue anyway?", false)
			if perr != nil {
				return perr
			}
			if !ok {
				return errors.New("installation cancelled")
			}
		default:
			return err
		}
	}

	req, err := baseRequest(a.cfg)
	if err != nil {
		return err
	}
	cs, err := candidates(ctx, o)
	if err != nil {
		return fmt.Errorf("list disks: %w", err)
	}
	if interactive {
		err = promptRequest(ctx, o, a.cfg, cs, req)
	} else {
		err = flagRequest(ctx, o, a.cfg, cs, req)
	}
	if err != nil {
		return err
	}

	report, err := o.Run(ctx, req)
	p.finishBar()
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(out, "\nThe %s installation failed. Details are in %s\n", a.cfg.Product.Name, a.cfg.LogFile)
		return err
	}
	printReport(out, a.cfg.Product.Name, report)
	return nil
}

func showWelcome(w io.Writer, product config.Product) {
	title := product.Title()
	line := strings.Repeat("═", len(title)+6)
	c := color.New(color.FgBlue)
	c.Fprintf(w, "\n╔%s╗\n", line)
	c.Fprintf(w, "║   %s   ║\n", title)
	c.Fprintf(w, "╚%s╝\n\n", line)
}

// baseRequest fills the parts of a request that come from flags and
// configuration alone.
func baseRequest(cfg config.Config) (*install.Request, error) {
	pkgDir := viper.GetString("packages")
	if pkgDir == "" {
		pkgDir = cfg.PackageDir
	}
	manifestPath := viper.GetString("manifest")
	if manifestPath == "" {
		manifestPath = filepath.Join(pkgDir, cfg.Product.Name+"-MANIFEST")
	}
	m, err := packages.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return &install.Request{
		Manifest:            m,
		PackageDir:          pkgDir,
		PackageDirTemporary: viper.GetBool("temporary-packages"),
		DataDir:             viper.GetString("data-dir"),
	}, nil
}

// flagRequest completes req from command line flags.
func flagRequest(ctx context.Context, o *install.Orchestrator, cfg config.Config, cs []candidate, req *install.Request) error {
	for _, name := range viper.GetStringSlice("disk") {
		name = strings.TrimPrefix(name, "/dev/")
		c, ok := findCandidate(cs, name)
		if !ok {
			return fmt.Errorf("disk %s not found", name)
		}
		if !c.usable() {
			return fmt.Errorf("disk %s cannot be used: %s", name, c.Reason)
		}
		req.Disks = append(req.Disks, c.Disk)
	}
	switch {
	case viper.GetBool("efi") && viper.GetBool("bios"):
		return errors.New("--efi and --bios are mutually exclusive")
	case viper.GetBool("efi"):
		req.EFI = true
	case viper.GetBool("bios"):
		req.EFI = false
	default:
		req.EFI = bootedEFI()
	}

	if viper.GetBool("upgrade") {
		req.Upgrade = true
		pool, err := o.ZFS.Find(ctx, cfg.PoolName)
		if err != nil {
			if errors.Is(err, zfs.ErrNoPools) {
				return &install.ValidationError{Code: install.NoUpgradeSource, Message: "no " + cfg.PoolName + " pool to upgrade", Err: err}
			}
			return err
		}
		req.UpgradeFrom = &pool
		return nil
	}

	if path := viper.GetString("password-file"); path != "" {
		pw, err := readPassword(path)
		if err != nil {
			return err
		}
		req.Password = &pw
	}
	return nil
}

func findCandidate(cs []candidate, name string) (candidate, bool) {
	for _, c := range cs {
		if c.Disk.Name == name {
			return c, true
		}
	}
	return candidate{}, false
}

// readPassword returns the first line of path.
func readPassword(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", fmt.Errorf("read password: %s is empty", path)
	}
	return strings.TrimRight(sc.Text(), "\r"), nil
}
