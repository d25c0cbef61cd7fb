package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/install"
	"github.com/freenas/ix-installer/internal/logging"
)

var (
	// Set at build time.
	version = "dev"
	commit  = "unknown"
)

const (
	exitFailure    = 1
	exitValidation = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ve *install.ValidationError
	if errors.As(err, &ve) {
		return exitValidation
	}
	return exitFailure
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "freenas-installer",
		Short:         "Boot pool installer",
		Long:          `freenas-installer partitions boot devices, creates the boot pool and installs or upgrades the operating system into a new boot environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", config.DefaultPath, "installer configuration file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("quiet", false, "only log to the log file")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("quiet", root.PersistentFlags().Lookup("quiet"))
	viper.SetEnvPrefix("FREENAS_INSTALLER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newInstallCmd(), newDisksCmd(), newVersionCmd())
	return root
}

// app carries what every command needs once flags are parsed.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	close func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		l, err := zerolog.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", lvl, err)
		}
		cfg.LogLevel = l
	}
	var console io.Writer
	if !viper.GetBool("quiet") {
		console = os.Stderr
	}
	log, closer := logging.New(cfg, console)
	return &app{cfg: cfg, log: log, close: closer}, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "freenas-installer %s (commit: %s)\n", version, commit)
			var u unix.Utsname
			if err := unix.Uname(&u); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "running on %s %s %s\n",
					unix.ByteSliceToString(u.Sysname[:]),
					unix.ByteSliceToString(u.Release[:]),
					unix.ByteSliceToString(u.Machine[:]))
			}
		},
	}
}
