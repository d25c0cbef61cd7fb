// Package install sequences a complete install or upgrade of the boot pool:
// provisioning, mounting, configuration migration, package deployment, boot
// loader installation and the final export.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/freenas/ix-installer/internal/bootloader"
	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/fsatomic"
	"github.com/freenas/ix-installer/internal/logging"
	"github.com/freenas/ix-installer/internal/metrics"
	"github.com/freenas/ix-installer/internal/migrate"
	"github.com/freenas/ix-installer/internal/mount"
	"github.com/freenas/ix-installer/internal/mtree"
	"github.com/freenas/ix-installer/internal/packages"
	"github.com/freenas/ix-installer/internal/provision"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/sysdb"
	"github.com/freenas/ix-installer/internal/sysinfo"
	"github.com/freenas/ix-installer/internal/zfs"
)

// Orchestrator runs install requests against one boot pool.
type Orchestrator struct {
	Config      config.Config
	Runner      shell.Runner
	ZFS         zfs.Client
	Inventory   disks.Inventory
	Provisioner *provision.Provisioner
	Mounts      *mount.Manager
	Migrator    *migrate.Migrator
	BootLoader  *bootloader.Installer
	Deployer    packages.Deployer
	Probe       *sysinfo.Probe
	Notifier    Notifier
	Metrics     *metrics.Recorder
	Logger      zerolog.Logger

	// TempDir holds working roots. Empty means os.TempDir.
	TempDir string
	// SystemDataDir is the running system's data directory; newer system
	// databases found there are merged into fresh installs.
	SystemDataDir string
	SaveSerial    func(ctx context.Context, root string, c sysinfo.SerialConsole) error
	Now           func() time.Time
}

// New wires an Orchestrator and its components to run commands through r.
func New(cfg config.Config, r shell.Runner, log zerolog.Logger) *Orchestrator {
	z := zfs.Client{Runner: r, Zpool: cfg.Tools.Zpool, Zfs: cfg.Tools.Zfs, Logger: logging.Component(log, "zfs")}
	o := &Orchestrator{
		Config:      cfg,
		Runner:      r,
		ZFS:         z,
		Inventory:   disks.Inventory{Runner: r},
		Provisioner: provision.New(r, z, cfg, log),
		Mounts: &mount.Manager{
			Runner:   r,
			Pool:     cfg.PoolName,
			MountCmd: cfg.Tools.Mount,
			Umount:   cfg.Tools.Umount,
			Logger:   logging.Component(log, "mount"),
		},
		Migrator:      migrate.New(r, z, cfg, log),
		BootLoader:    bootloader.New(r, cfg, log),
		Deployer:      &packages.TarDeployer{Logger: logging.Component(log, "packages")},
		Probe:         &sysinfo.Probe{},
		Notifier:      LogNotifier{Logger: logging.Component(log, "events")},
		Metrics:       metrics.New(),
		Logger:        logging.Component(log, "install"),
		SystemDataDir: cfg.DataDir,
		Now:           time.Now,
	}
	o.SaveSerial = func(ctx context.Context, root string, c sysinfo.SerialConsole) error {
		return sysdb.SaveSerial(ctx, root, c, o.Logger)
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// run is the state of a single Run.
type run struct {
	o       *Orchestrator
	req     *Request
	plan    provision.Plan
	log     zerolog.Logger
	journal *Journal
	report  *Report

	state   State
	entered time.Time

	staging     string
	pool        string
	environment string
	poolDisks   []disks.Disk
	efi         bool
	session     *mount.Session
}

// LockName is the lock file, under the journal directory, held for a whole Run.
const LockName = "installer"

// Run installs according to req. Invalid requests fail with a
// *ValidationError before anything is touched; any later failure is returned
// as an *AbortedError once mounts are taken down. The pool is exported only
// when the whole run succeeded. Only one Run may hold the installer lock at a
// time; a second one is rejected with AlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*Report, error) {
	var rep *Report
	var err error
	lerr := fsatomic.WithLock(filepath.Join(o.Config.JournalDir, LockName), func() error {
		rep, err = o.run(ctx, req)
		return nil
	})
	if errors.Is(lerr, fsatomic.ErrLocked) {
		o.Logger.Error().Err(lerr).Msg("another installer is running")
		return nil, &ValidationError{Code: AlreadyRunning, Message: "another installation is in progress", Err: lerr}
	}
	if lerr != nil {
		return nil, fmt.Errorf("installer lock: %w", lerr)
	}
	return rep, err
}

func (o *Orchestrator) run(ctx context.Context, req *Request) (*Report, error) {
	req = o.withProduct(req)
	plan, err := o.validate(ctx, req)
	if err != nil {
		o.Logger.Error().Err(err).Msg("invalid install request")
		return nil, err
	}

	start := o.now()
	r := &run{o: o, req: req, plan: plan, entered: start}
	r.journal = newJournal(o.Config.JournalDir, req.mode(), o.Config.PoolName, o.now)
	r.journal.enter(Idle)
	r.log = o.Logger.With().Str("run", r.journal.RunID).Logger()
	r.report = &Report{RunID: r.journal.RunID, Pool: o.Config.PoolName, Upgrade: req.Upgrade, JournalPath: r.journal.Path()}
	r.log.Info().Str("mode", req.mode()).Int("disks", len(req.Disks)).Msg("starting installation")

	err = r.execute(ctx)

	r.journal.Environment = r.environment
	r.journal.Advisories = r.report.Advisories
	r.journal.finish(err)
	if serr := r.journal.save(ctx); serr != nil {
		r.log.Warn().Err(serr).Msg("could not write install journal")
	}
	o.Metrics.Finish(req.mode(), err)
	if o.Config.MetricsFile != "" {
		if werr := o.Metrics.WriteTextfile(o.Config.MetricsFile); werr != nil {
			r.log.Warn().Err(werr).Msg("could not write metrics")
		}
	}
	if err != nil {
		r.log.Error().Err(err).Msg("installation failed")
		return nil, err
	}
	for _, d := range r.poolDisks {
		r.report.Disks = append(r.report.Disks, d.Name)
	}
	r.report.Duration = o.now().Sub(start)
	r.log.Info().Str("environment", r.environment).Dur("took", r.report.Duration).Int("advisories", len(r.report.Advisories)).Msg("installation complete")
	return r.report, nil
}

func (r *run) execute(ctx context.Context) error {
	defer r.cleanup()

	if r.req.Upgrade {
		if err := r.enter(ctx, StagingUpgrade); err != nil {
			return r.abort(ctx, err)
		}
		staging, err := r.o.Migrator.Stage(ctx, *r.req.UpgradeFrom)
		if err != nil {
			return r.abort(ctx, err)
		}
		r.staging = staging
	}

	if err := r.enter(ctx, Provisioning); err != nil {
		return r.abort(ctx, err)
	}
	var err error
	if len(r.req.Disks) > 0 {
		err = r.provision(ctx)
	} else {
		err = r.reusePool(ctx)
	}
	if err != nil {
		return r.abort(ctx, err)
	}

	if err := r.enter(ctx, CreatingEnvironment); err != nil {
		return r.abort(ctx, err)
	}
	r.log.Info().Str("environment", r.environment).Msg("creating boot environment")
	if err := r.o.ZFS.CreateDataset(ctx, r.environment, map[string]string{"mountpoint": "legacy", "sync": "disabled"}); err != nil {
		return r.abort(ctx, &StepError{Step: "create boot environment " + r.environment, Err: err})
	}
	r.report.Environment = r.environment

	if err := r.install(ctx); err != nil {
		return r.abort(ctx, err)
	}

	unix.Sync()
	r.log.Info().Str("pool", r.pool).Msg("exporting boot pool")
	if err := r.o.ZFS.Export(ctx, r.pool, false); err != nil {
		return r.abort(ctx, &StepError{Step: "export " + r.pool, Err: err})
	}
	r.transition(ctx, Exported, nil)
	return nil
}

// install mounts the new environment and completes it. The session is
// unmounted exactly once on every path out.
func (r *run) install(ctx context.Context) (err error) {
	if err := r.enter(ctx, Mounted); err != nil {
		return err
	}
	root, err := os.MkdirTemp(r.o.TempDir, "install-")
	if err != nil {
		return &StepError{Step: "create working root", Err: err}
	}
	session, err := r.o.Mounts.Mount(ctx, r.environment, root)
	if err != nil {
		if rerr := os.Remove(root); rerr != nil {
			r.advise("remove working root", rerr)
		}
		return err
	}
	r.session = session

	defer func() {
		if err != nil {
			err = r.abort(ctx, err)
		}
		uerr := r.o.Mounts.Unmount(context.WithoutCancel(ctx), session)
		switch {
		case uerr == nil:
		case err == nil:
			err = r.abort(ctx, &StepError{Step: "unmount", Err: uerr})
		default:
			r.log.Error().Err(uerr).Msg("unmount after failure")
		}
	}()

	steps := []struct {
		state State
		fn    func(context.Context, string) error
	}{
		{RestoringConfig, r.restoreConfig},
		{DeployingPackages, r.deploy},
		{ConfiguringFstabAndLoader, r.configure},
		{InstallingBootLoader, r.installBootLoader},
		{Finalizing, r.finalize},
	}
	for _, s := range steps {
		if err := r.enter(ctx, s.state); err != nil {
			return err
		}
		if err := s.fn(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) provision(ctx context.Context) error {
	name := r.o.Config.PoolName
	var stale []zfs.ImportablePool
	if r.req.UpgradeFrom != nil {
		// Formatting the disks of the upgrade source replaces it.
		stale = []zfs.ImportablePool{*r.req.UpgradeFrom}
	} else {
		pools, err := r.o.ZFS.Importable(ctx)
		if err != nil {
			r.advise("scan for old boot pools", err)
		}
		for _, p := range pools {
			if p.Name == name {
				stale = append(stale, p)
			}
		}
	}
	for _, p := range stale {
		opts := zfs.ImportOptions{Force: true, NoMount: true}
		if p.Name != name {
			opts.NewName = name
		}
		err := r.o.ZFS.Import(ctx, p, opts)
		if err == nil {
			err = r.o.ZFS.Destroy(ctx, name)
		}
		if err != nil {
			r.advise("destroy old boot pool "+p.String(), err)
		}
	}

	r.notify(Event{Kind: EventMessage, State: r.state, Message: "Partitioning disks"})
	pool, err := r.o.Provisioner.Partition(ctx, r.req.Disks, r.plan)
	if err != nil {
		return err
	}
	r.pool = pool.Name
	r.poolDisks = r.req.Disks
	r.efi = r.req.EFI
	r.environment = pool.Name + "/ROOT/default"
	return nil
}

// reusePool imports the existing boot pool and names a new environment
// after the current time.
func (r *run) reusePool(ctx context.Context) error {
	name := r.o.Config.PoolName
	target := r.req.UpgradeFrom
	if target == nil {
		pools, err := r.o.ZFS.Importable(ctx)
		if err != nil {
			return &StepError{Step: "scan for boot pool", Err: err}
		}
		var found []zfs.ImportablePool
		for _, p := range pools {
			if p.Name == name {
				found = append(found, p)
			}
		}
		if len(found) > 1 {
			return &ValidationError{Code: MultiplePools, Message: fmt.Sprintf("there are %d unimported %s pools", len(found), name)}
		}
		if len(found) == 1 {
			target = &found[0]
		}
	}
	if target != nil {
		opts := zfs.ImportOptions{Force: true, NoMount: true, CacheFile: r.o.Config.CacheFile}
		if target.Name != name {
			opts.NewName = name
		}
		if err := r.o.ZFS.Import(ctx, *target, opts); err != nil {
			return &StepError{Step: "import boot pool", Err: err}
		}
	} else {
		imported, err := r.o.ZFS.Imported(ctx)
		if err != nil {
			return &StepError{Step: "list pools", Err: err}
		}
		if !slices.Contains(imported, name) {
			return &ValidationError{Code: NoPool, Message: "no " + name + " pool found"}
		}
	}
	r.pool = name
	r.environment = fmt.Sprintf("%s/ROOT/default-%s", name, r.o.now().Format("20060102-150405"))

	members, err := r.o.ZFS.Members(ctx, name)
	if err != nil {
		return &StepError{Step: "list boot pool members", Err: err}
	}
	all, err := r.o.Inventory.List(ctx)
	if err != nil {
		return &StepError{Step: "list disks", Err: err}
	}
	for _, d := range all {
		for _, m := range members {
			if onDisk(d, m) {
				r.poolDisks = append(r.poolDisks, d)
				break
			}
		}
	}
	if len(r.poolDisks) == 0 {
		return &StepError{Step: "find boot pool disks", Err: fmt.Errorf("no disks back %s", name)}
	}
	// Every disk of the pool was partitioned the same way.
	if r.efi, err = bootloader.BootPartitionEFI(r.poolDisks[0]); err != nil {
		return &StepError{Step: "detect boot partition type", Err: err}
	}
	return nil
}

func (r *run) restoreConfig(ctx context.Context, root string) error {
	if r.staging != "" {
		staging := r.staging
		r.staging = ""
		return r.o.Migrator.Replay(ctx, staging, root)
	}
	data := filepath.Join(root, "data")
	if r.req.DataDir != "" {
		if _, err := os.Stat(r.req.DataDir); err == nil {
			err := migrate.CopyTree(r.req.DataDir, data, func(src, dst string) {
				r.log.Debug().Str("src", src).Str("dst", dst).Msg("copying")
			})
			if err != nil {
				r.advise("copy data directory", err)
			}
		}
	}
	for _, db := range systemDatabases {
		src := filepath.Join(r.o.SystemDataDir, db)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(data, 0o755); err != nil {
			return &StepError{Step: "copy " + db, Err: err}
		}
		if err := migrate.CopyTree(src, filepath.Join(data, db), nil); err != nil {
			return &StepError{Step: "copy " + db, Err: err}
		}
	}
	return nil
}

func (r *run) deploy(ctx context.Context, root string) error {
	if err := r.o.Deployer.LoadPackages(ctx, r.req.Manifest, root, r.req.PackageDir); err != nil {
		return &PackageInstallError{Err: err}
	}
	var current string
	progress := func(p packages.ObjectProgress) {
		r.notify(Event{Kind: EventObject, State: r.state, Object: p})
		if r.req.OnProgress != nil {
			r.req.OnProgress(p)
		}
	}
	start := func(s packages.PackageStart) {
		current = s.Name
		r.notify(Event{Kind: EventPackage, State: r.state, Package: s})
		if r.req.OnPackage != nil {
			r.req.OnPackage(s)
		}
	}
	if err := r.o.Deployer.InstallPackages(ctx, progress, start); err != nil {
		return &PackageInstallError{Package: current, Err: err}
	}
	return nil
}

func (r *run) configure(ctx context.Context, root string) error {
	r.notify(Event{Kind: EventMessage, State: r.state, Message: "Preparing new boot environment"})
	if err := r.writeFstab(root); err != nil {
		return err
	}
	if err := rewriteLoaderConf(root); err != nil {
		r.advise("rewrite "+loaderConf, err)
	}
	hvm, err := r.o.Probe.HVM()
	switch {
	case err != nil:
		r.advise("detect hypervisor", err)
	case hvm:
		if err := appendHPETHint(root); err != nil {
			r.advise("hypervisor loader hint", err)
		}
	}

	if err := r.o.Mounts.MountVar(ctx, r.session); err != nil {
		return &VarSetupError{Err: err}
	}
	owners, err := mtree.LoadOwners(root)
	if err != nil {
		return &VarSetupError{Err: err}
	}
	if err := mtree.ApplyFile(filepath.Join(root, mtree.DefaultVarSpec), filepath.Join(root, "var"), owners); err != nil {
		return &VarSetupError{Err: err}
	}
	return nil
}

func (r *run) installBootLoader(ctx context.Context, root string) error {
	r.notify(Event{Kind: EventMessage, State: r.state, Message: "Installing boot loader"})
	if _, err := shell.Run(ctx, r.o.Runner, r.o.Config.Tools.Udevadm, "settle"); err != nil {
		return &StepError{Step: "rescan devices", Err: err}
	}
	if err := r.o.ZFS.SetPoolProperty(ctx, r.pool, "bootfs", r.environment); err != nil {
		return &StepError{Step: "set bootfs", Err: err}
	}
	r.log.Info().Str("bootfs", r.environment).Msg("set bootfs")
	// The cachefile property only sticks when set from inside the new root.
	rooted := shell.Rooted(r.o.Runner, root)
	if _, err := shell.Run(ctx, rooted, r.o.Config.Tools.Zpool, "set", "cachefile="+r.o.Config.BootCacheFile, r.pool); err != nil {
		return &StepError{Step: "set cachefile", Err: err}
	}

	// grub-mkconfig reads the serial settings, so they go in first.
	if c, err := r.o.Probe.Serial(); err == nil {
		r.log.Info().Str("device", c.Device).Int("speed", c.Speed).Msg("booted on serial console")
		if err := r.o.SaveSerial(ctx, root, c); err != nil {
			r.advise("save serial settings", err)
		}
	} else if !errors.Is(err, sysinfo.ErrNoSerialConsole) {
		r.log.Debug().Err(err).Msg("serial console detection")
	}

	return r.o.BootLoader.Install(ctx, root, r.poolDisks, r.environment, r.efi)
}

func (r *run) finalize(ctx context.Context, root string) error {
	r.notify(Event{Kind: EventMessage, State: r.state, Message: "Finalizing installation"})
	markers := []string{"data/first-boot"}
	if r.req.Upgrade {
		markers = append(markers, "data/cd-upgrade", "data/need-update")
	}
	for _, m := range markers {
		if err := touch(filepath.Join(root, m)); err != nil {
			return &StepError{Step: "write " + m, Err: err}
		}
	}
	if !r.req.Upgrade && r.req.Password != nil {
		r.notify(Event{Kind: EventMessage, State: r.state, Message: "Setting root password"})
		pw := *r.req.Password
		c := shell.Command{Name: r.o.Config.Tools.Netcli, Args: []string{"reset_root_pw", pw}, Secrets: []string{pw}}
		if _, err := shell.Rooted(r.o.Runner, root).Exec(ctx, c); err != nil {
			return &StepError{Step: "set root password", Err: err}
		}
	}
	if err := r.o.ZFS.InheritProperty(ctx, r.environment, "sync"); err != nil {
		r.advise("inherit sync on "+r.environment, err)
	}
	if err := r.req.Manifest.Save(ctx, filepath.Join(root, "data", "manifest.json")); err != nil {
		return &StepError{Step: "save manifest", Err: err}
	}
	for i, h := range r.req.Hooks {
		if err := h(ctx, root, r.req); err != nil {
			return &StepError{Step: fmt.Sprintf("post-install hook %d", i+1), Err: err}
		}
	}
	return nil
}

// cleanup removes temporary directories whatever the outcome.
func (r *run) cleanup() {
	if r.staging != "" {
		if err := os.RemoveAll(r.staging); err != nil {
			r.advise("remove staging directory", err)
		}
		r.staging = ""
	}
	if r.req.PackageDirTemporary && r.req.PackageDir != "" {
		r.log.Info().Str("path", r.req.PackageDir).Msg("removing downloaded packages directory")
		if err := os.RemoveAll(r.req.PackageDir); err != nil {
			r.advise("remove package directory", err)
		}
	}
}

func (r *run) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.transition(ctx, s, nil)
	return nil
}

func (r *run) transition(ctx context.Context, s State, cause error) {
	r.o.Metrics.Observe(r.state.String(), r.entered, cause)
	if cause != nil {
		r.journal.closeStep("failed", cause)
	}
	r.state, r.entered = s, r.o.now()
	r.journal.enter(s)
	if err := r.journal.save(ctx); err != nil {
		r.log.Debug().Err(err).Msg("journal write")
	}
	r.log.Debug().Stringer("state", s).Msg("state change")
	r.notify(Event{Kind: EventState, State: s})
}

// abort moves to Aborting and wraps err with the state it happened in.
// Errors that already aborted pass through.
func (r *run) abort(ctx context.Context, err error) error {
	if ae, ok := err.(*AbortedError); ok {
		return ae
	}
	failed := r.state
	r.log.Error().Err(err).Stringer("state", failed).Msg("aborting installation")
	r.transition(ctx, Aborting, err)
	return &AbortedError{State: failed, Cause: err}
}

func (r *run) advise(step string, err error) {
	r.log.Warn().Err(err).Str("step", step).Msg("advisory")
	r.report.Advisories = append(r.report.Advisories, Advisory{Step: step, Err: err})
	r.notify(Event{Kind: EventAdvisory, State: r.state, Message: step + ": " + err.Error()})
}

func (r *run) notify(e Event) {
	if r.o.Notifier != nil {
		r.o.Notifier.Notify(e)
	}
}
