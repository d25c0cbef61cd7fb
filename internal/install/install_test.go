package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/siderolabs/go-procfs/procfs"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/fsatomic"
	"github.com/freenas/ix-installer/internal/mount"
	"github.com/freenas/ix-installer/internal/packages"
	"github.com/freenas/ix-installer/internal/provision"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/shell/shelltest"
	"github.com/freenas/ix-installer/internal/sysinfo"
	"github.com/freenas/ix-installer/internal/zfs"
)

const (
	gib        = int64(1) << 30
	varDist    = "/set type=dir mode=0755\n.\n    log\n    ..\n    tmp mode=01777\n    ..\n..\n"
	loaderBase = "module_path=\"/boot/kernel;/boot/modules\"\nkernel=\"kernel.old\"\nautoboot_delay=\"2\"\n"
)

var testTime = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

// fakeDeployer lays down a minimal OS image instead of real packages.
type fakeDeployer struct {
	root string
	dir  string
	fail error
}

func (d *fakeDeployer) LoadPackages(_ context.Context, m *packages.Manifest, root, dir string) error {
	d.root, d.dir = root, dir
	return nil
}

func (d *fakeDeployer) InstallPackages(_ context.Context, progress func(packages.ObjectProgress), start func(packages.PackageStart)) error {
	start(packages.PackageStart{Index: 0, Name: "base-os", Packages: []string{"base-os"}})
	if d.fail != nil {
		return d.fail
	}
	files := map[string]string{
		"etc/mtree/BSD.var.dist": varDist,
		"boot/loader.conf":       loaderBase,
		"conf/base/etc/fstab":    "stale\n",
		"conf/default/etc/.keep": "",
		"etc/version":            "FreeNAS-11.1-RELEASE\n",
	}
	i := 0
	for rel, content := range files {
		p := filepath.Join(d.root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
		i++
		progress(packages.ObjectProgress{Total: len(files), Index: i, Name: "/" + rel})
	}
	progress(packages.ObjectProgress{Done: true, Name: "base-os"})
	return nil
}

func lsblkJSON(devs ...string) string {
	return `{"blockdevices":[` + strings.Join(devs, ",") + `]}`
}

func lsblkDisk(name string, size int64, parts ...string) string {
	children := ""
	if len(parts) > 0 {
		children = `,"children":[` + strings.Join(parts, ",") + `]`
	}
	return fmt.Sprintf(`{"name":%q,"kname":%q,"path":"/dev/%s","size":%d,"rota":false,"type":"disk","model":"QEMU HARDDISK","serial":"QM0001","rm":false%s}`,
		name, name, name, size, children)
}

func lsblkPart(name string, size int64, parttype string) string {
	return fmt.Sprintf(`{"name":%q,"kname":%q,"path":"/dev/%s","size":%d,"type":"part","parttype":%q}`, name, name, name, size, parttype)
}

func testManifest(t *testing.T) *packages.Manifest {
	t.Helper()
	m, err := packages.ParseManifest([]byte(`{"Train":"FreeNAS-11-STABLE","Version":"11.1","Packages":[{"Name":"base-os","Version":"11.1"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestOrchestrator(t *testing.T, fake *shelltest.Fake) (*Orchestrator, *fakeDeployer, *ChannelNotifier) {
	t.Helper()
	cfg := config.Defaults()
	cfg.JournalDir = t.TempDir()
	cfg.MetricsFile = filepath.Join(t.TempDir(), "install.prom")
	o := New(cfg, fake, zerolog.Nop())
	o.TempDir = t.TempDir()
	o.SystemDataDir = t.TempDir()
	o.Migrator.TempDir = t.TempDir()
	o.Provisioner.Memberships = func(disks.Disk) ([]disks.Membership, error) { return nil, nil }
	o.Probe = &sysinfo.Probe{
		Cmdline: procfs.NewCmdline("root=/dev/sda2 quiet"),
		Product: func() (string, error) { return "Standard PC (Q35 + ICH9, 2009)", nil },
		Memory:  func() (uint64, error) { return 16 << 30, nil },
	}
	o.Now = func() time.Time { return testTime }
	// A real umount leaves the mount point empty.
	fake.Hook("umount ", func(c shell.Command) {
		dir := c.Args[len(c.Args)-1]
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			_ = os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	})
	dep := &fakeDeployer{}
	o.Deployer = dep
	n := NewChannelNotifier(4096)
	o.Notifier = n
	return o, dep, n
}

// snapshot copies the files a test cares about out of the new root before it
// is unmounted.
type snapshot struct {
	files  map[string]string
	linked map[string]bool
	root   string
}

func (s *snapshot) hook() Hook {
	return func(_ context.Context, mountPoint string, _ *Request) error {
		s.root = mountPoint
		s.files = map[string]string{}
		s.linked = map[string]bool{}
		_ = filepath.Walk(mountPoint, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(mountPoint, p)
			b, _ := os.ReadFile(p)
			s.files[rel] = string(b)
			return nil
		})
		fstab, err := os.Stat(filepath.Join(mountPoint, "etc/fstab"))
		if err == nil {
			for _, l := range legacyFstabs {
				if fi, err := os.Stat(filepath.Join(mountPoint, l)); err == nil {
					s.linked[l] = os.SameFile(fstab, fi)
				}
			}
		}
		if fi, err := os.Stat(filepath.Join(mountPoint, "var/tmp")); err == nil && fi.IsDir() {
			s.files["var/tmp/"] = fi.Mode().String()
		}
		return nil
	}
}

func states(n *ChannelNotifier) []State {
	var out []State
	for {
		select {
		case e := <-n.C:
			if e.Kind == EventState {
				out = append(out, e.State)
			}
		default:
			return out
		}
	}
}

func indexOf(cmds []string, match string) int {
	for i, c := range cmds {
		if strings.Contains(c, match) {
			return i
		}
	}
	return -1
}

func TestFreshSingleDiskEFI(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib)))
	o, _, n := newTestOrchestrator(t, fake)
	snap := &snapshot{}
	pw := "abcd1234"
	req := &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		EFI:      true,
		Password: &pw,
		Manifest: testManifest(t),
		Hooks:    []Hook{snap.hook()},
	}
	rep, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Environment != "freenas-boot/ROOT/default" || rep.Pool != "freenas-boot" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.Advisories) != 0 {
		t.Fatalf("unexpected advisories %+v", rep.Advisories)
	}

	cmds := fake.Commands()
	for _, want := range []string{
		"sgdisk -n 1:0:+100M -t 1:EF00 /dev/sda",
		"mkfs.vfat -F 16 /dev/sda1",
		"sgdisk -n 2:0:+19G -t 2:BF01 /dev/sda",
		"zfs create -o mountpoint=legacy -o sync=disabled freenas-boot/ROOT/default",
		"zpool set bootfs=freenas-boot/ROOT/default freenas-boot",
		"zpool set cachefile=/boot/zfs/rpool.cache freenas-boot",
		"grub-install --target=x86_64-efi --efi-directory=/boot/efi --removable /dev/sda",
		"beadm activate default",
		"netcli reset_root_pw " + shell.Masked,
		"zfs inherit sync freenas-boot/ROOT/default",
	} {
		if indexOf(cmds, want) < 0 {
			t.Fatalf("missing %q in:\n%s", want, strings.Join(cmds, "\n"))
		}
	}
	if strings.Contains(strings.Join(cmds, "\n"), pw) {
		t.Fatalf("password visible in command lines")
	}
	for _, c := range fake.Calls() {
		if slices.Contains(c.Args, "reset_root_pw") && c.Args[len(c.Args)-1] != pw {
			t.Fatalf("netcli not given the password: %v", c.Args)
		}
	}
	if c := cmds[indexOf(cmds, "zpool set cachefile=/boot/zfs/rpool.cache")]; !strings.HasPrefix(c, "chroot ") {
		t.Fatalf("cachefile not set from inside the new root: %q", c)
	}
	last := cmds[len(cmds)-1]
	if last != "zpool export freenas-boot" {
		t.Fatalf("expected export last, got %q", last)
	}
	// boot/efi, var, dev, boot/grub and the environment itself.
	if n := fake.Count("umount " + snap.root); n != 5 {
		t.Fatalf("expected 5 unmounts under the working root, got %d", n)
	}
	if _, err := os.Stat(snap.root); !os.IsNotExist(err) {
		t.Fatalf("working root left behind: %v", err)
	}

	if got := snap.files["etc/fstab"]; got != "freenas-boot/grub\t/boot/grub\tzfs\trw,noatime\t1\t0\n" {
		t.Fatalf("fstab %q", got)
	}
	if !snap.linked["conf/base/etc/fstab"] || !snap.linked["conf/default/etc/fstab"] {
		t.Fatalf("fstab links %v", snap.linked)
	}
	wantLoader := modulePathLine + "\n" + kernelLine + "\nautoboot_delay=\"2\"\n"
	if got := snap.files["boot/loader.conf"]; got != wantLoader {
		t.Fatalf("loader.conf %q", got)
	}
	if _, ok := snap.files["boot/loader.conf.local"]; ok {
		t.Fatalf("unexpected hypervisor hint")
	}
	for _, f := range []string{"data/first-boot", "data/manifest.json"} {
		if _, ok := snap.files[f]; !ok {
			t.Fatalf("missing %s", f)
		}
	}
	if _, ok := snap.files["data/cd-upgrade"]; ok {
		t.Fatalf("upgrade marker on fresh install")
	}
	if snap.files["var/tmp/"] != "dtrwxrwxrwx" {
		t.Fatalf("var skeleton tmp mode %q", snap.files["var/tmp/"])
	}

	got := states(n)
	want := []State{Provisioning, CreatingEnvironment, Mounted, RestoringConfig, DeployingPackages,
		ConfiguringFstabAndLoader, InstallingBootLoader, Finalizing, Exported}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states %v want %v", got, want)
	}

	var j Journal
	if ok, err := fsatomic.LoadJSON(rep.JournalPath, &j); !ok || err != nil {
		t.Fatalf("journal: %v %v", ok, err)
	}
	if j.Result != "success" || j.RunID != rep.RunID || len(j.Steps) != len(want)+1 {
		t.Fatalf("journal %+v", j)
	}
	if b, err := os.ReadFile(o.Config.MetricsFile); err != nil || !strings.Contains(string(b), `installer_last_run_success{mode="install"} 1`) {
		t.Fatalf("metrics %s %v", b, err)
	}
}

func TestUpgradeWithoutReformat(t *testing.T) {
	old := zfs.ImportablePool{Name: "freenas-boot", GUID: "6918294389424396434"}
	hostid := "8c1f4e2a\n"
	fake := (&shelltest.Fake{}).
		On("zpool get -H -o value bootfs", "freenas-boot-upgrade/ROOT/default-20200101-000000\n").
		On("zpool list -vHP freenas-boot", "freenas-boot\t19.5G\t1.2G\t18.3G\t-\t-\t0%\t6%\t1.00x\tONLINE\t-\n\t/dev/sda2\t-\t-\t-\t-\t-\t-\t-\t-\tONLINE\n").
		On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib,
			lsblkPart("sda1", 512<<10, "21686148-6449-6e6f-744e-656564454649"),
			lsblkPart("sda2", 19*gib, "6a898cc3-1dd2-11b2-99a6-080020736631"))))
	fake.Hook("mount -t zfs -o ro", func(c shell.Command) {
		p := filepath.Join(c.Args[len(c.Args)-1], "data", "hostid")
		_ = os.MkdirAll(filepath.Dir(p), 0o755)
		_ = os.WriteFile(p, []byte(hostid), 0o644)
	})
	o, _, _ := newTestOrchestrator(t, fake)
	snap := &snapshot{}
	pw := "ignored"
	rep, err := o.Run(context.Background(), &Request{
		Upgrade:     true,
		UpgradeFrom: &old,
		Password:    &pw,
		Manifest:    testManifest(t),
		Hooks:       []Hook{snap.hook()},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Environment != "freenas-boot/ROOT/default-20240309-140506" {
		t.Fatalf("environment %q", rep.Environment)
	}
	if snap.files["data/hostid"] != hostid {
		t.Fatalf("hostid %q", snap.files["data/hostid"])
	}
	for _, f := range []string{"data/cd-upgrade", "data/need-update", "data/first-boot"} {
		if _, ok := snap.files[f]; !ok {
			t.Fatalf("missing %s", f)
		}
	}
	cmds := fake.Commands()
	exported := indexOf(cmds, "zpool export freenas-boot-upgrade")
	imported := indexOf(cmds, "zpool import -f -N -o cachefile=/tmp/zpool.cache 6918294389424396434")
	if exported < 0 || imported < 0 || exported > imported {
		t.Fatalf("old pool must be exported (%d) before import (%d):\n%s", exported, imported, strings.Join(cmds, "\n"))
	}
	if fake.Count("sgdisk") != 0 || fake.Count("zpool create") != 0 {
		t.Fatalf("pool was reformatted")
	}
	if fake.Count("netcli") != 0 {
		t.Fatalf("password set on upgrade")
	}
	if indexOf(cmds, "grub-install --target=i386-pc") < 0 {
		t.Fatalf("expected legacy boot loader from existing partition type")
	}
	if len(rep.Disks) != 1 || rep.Disks[0] != "sda" {
		t.Fatalf("disks %v", rep.Disks)
	}
}

func TestDiskTooSmallTouchesNothing(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 3*gib), lsblkDisk("sdb", 3*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	_, err := o.Run(context.Background(), &Request{
		Disks: []disks.Disk{
			{Name: "sda", Path: "/dev/sda", Size: 3 * gib},
			{Name: "sdb", Path: "/dev/sdb", Size: 3 * gib},
		},
		ExtraPartitions: []provision.Spec{{Kind: provision.KindSwap, Size: 16 * gib}},
		Manifest:        testManifest(t),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != DiskTooSmall {
		t.Fatalf("expected DiskTooSmall, got %v", err)
	}
	var small *provision.DiskTooSmallError
	if !errors.As(err, &small) || small.Disk != "sda" {
		t.Fatalf("expected cause to name sda, got %v", err)
	}
	for _, c := range fake.Commands() {
		if !strings.HasPrefix(c, "lsblk") {
			t.Fatalf("unexpected command %q", c)
		}
	}
}

func TestPackageFailureUnmountsOnce(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib)))
	o, dep, n := newTestOrchestrator(t, fake)
	dep.fail = errors.New("checksum mismatch")
	pkgDir := t.TempDir()
	_, err := o.Run(context.Background(), &Request{
		Disks:               []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest:            testManifest(t),
		PackageDir:          pkgDir,
		PackageDirTemporary: true,
	})
	var pe *PackageInstallError
	if !errors.As(err, &pe) || pe.Package != "base-os" {
		t.Fatalf("expected package install error, got %v", err)
	}
	var ae *AbortedError
	if !errors.As(err, &ae) || ae.State != DeployingPackages {
		t.Fatalf("expected abort in DeployingPackages, got %v", err)
	}
	var unmounts []string
	for _, c := range fake.Commands() {
		if strings.HasPrefix(c, "umount ") {
			unmounts = append(unmounts, strings.TrimPrefix(c, "umount "))
		}
	}
	want := []string{filepath.Join(dep.root, "dev"), filepath.Join(dep.root, "boot", "grub"), dep.root}
	if strings.Join(unmounts, ",") != strings.Join(want, ",") {
		t.Fatalf("unmounts %v want %v", unmounts, want)
	}
	if fake.Count("zpool export") != 0 {
		t.Fatalf("pool exported after abort")
	}
	if _, err := os.Stat(pkgDir); !os.IsNotExist(err) {
		t.Fatalf("temporary package directory kept: %v", err)
	}
	got := states(n)
	if got[len(got)-1] != Aborting || got[len(got)-2] != DeployingPackages {
		t.Fatalf("states %v", got)
	}
}

func TestMountFailureAborts(t *testing.T) {
	fake := (&shelltest.Fake{}).
		On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib))).
		Fail("mount -t zfs freenas-boot/grub", 1, "no such dataset")
	o, _, _ := newTestOrchestrator(t, fake)
	_, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
	})
	var me *mount.MountError
	if !errors.As(err, &me) || me.Step != mount.StepGrub {
		t.Fatalf("expected mount error at step 2, got %v", err)
	}
	var ae *AbortedError
	if !errors.As(err, &ae) || ae.State != Mounted {
		t.Fatalf("expected abort in Mounted, got %v", err)
	}
	if fake.Count("umount") != 1 || fake.Count("zpool export") != 0 {
		t.Fatalf("commands:\n%s", strings.Join(fake.Commands(), "\n"))
	}
	if entries, _ := os.ReadDir(o.TempDir); len(entries) != 0 {
		t.Fatalf("working root left behind: %v", entries)
	}
}

func TestSecondInstallerRejected(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	req := &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
	}
	var err error
	lerr := fsatomic.WithLock(filepath.Join(o.Config.JournalDir, LockName), func() error {
		_, err = o.Run(context.Background(), req)
		return nil
	})
	if lerr != nil {
		t.Fatalf("lock: %v", lerr)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != AlreadyRunning || !errors.Is(err, fsatomic.ErrLocked) {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
	if len(fake.Commands()) != 0 {
		t.Fatalf("second installer ran commands: %v", fake.Commands())
	}
	if _, err := o.Run(context.Background(), req); err != nil {
		t.Fatalf("run after lock released: %v", err)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := o.Run(ctx, &Request{
		Disks:     []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest:  testManifest(t),
		OnPackage: func(packages.PackageStart) { cancel() },
	})
	var ae *AbortedError
	if !errors.Is(err, context.Canceled) || !errors.As(err, &ae) || ae.State != DeployingPackages {
		t.Fatalf("expected cancellation after packages, got %v", err)
	}
	if fake.Count("umount") != 3 || fake.Count("zpool export") != 0 {
		t.Fatalf("commands:\n%s", strings.Join(fake.Commands(), "\n"))
	}
}

func TestValidationRejectsBeforeSideEffects(t *testing.T) {
	m := &packages.Manifest{}
	pool := &zfs.ImportablePool{Name: "freenas-boot"}
	cases := []struct {
		name string
		req  Request
		code Code
	}{
		{"upgrade without source", Request{Upgrade: true, Manifest: m}, NoUpgradeSource},
		{"no target", Request{Manifest: m}, NoTarget},
		{"no manifest", Request{UpgradeFrom: pool}, NoManifest},
	}
	for _, tc := range cases {
		fake := &shelltest.Fake{}
		o, _, _ := newTestOrchestrator(t, fake)
		req := tc.req
		_, err := o.Run(context.Background(), &req)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Code != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
		if len(fake.Commands()) != 0 {
			t.Fatalf("%s: commands ran: %v", tc.name, fake.Commands())
		}
	}
}

func TestDiskChanged(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 8*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	_, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != DiskChanged || !errors.Is(err, disks.ErrChanged) {
		t.Fatalf("expected DiskChanged, got %v", err)
	}
}

func TestReuseMultiplePools(t *testing.T) {
	importOut := "   pool: freenas-boot\n     id: 111\n  state: ONLINE\n\n   pool: freenas-boot\n     id: 222\n  state: ONLINE\n"
	fake := (&shelltest.Fake{}).On("zpool import", importOut)
	o, _, _ := newTestOrchestrator(t, fake)
	r := &run{o: o, req: &Request{}, report: &Report{}, log: zerolog.Nop()}
	err := r.reusePool(context.Background())
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != MultiplePools {
		t.Fatalf("expected MultiplePools, got %v", err)
	}
}

func TestFreshInstallDestroysStrayPool(t *testing.T) {
	fake := (&shelltest.Fake{}).
		On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib))).
		On("zpool import", "   pool: freenas-boot\n     id: 777\n  state: ONLINE\n")
	o, _, _ := newTestOrchestrator(t, fake)
	if _, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	cmds := fake.Commands()
	imp := indexOf(cmds, "zpool import -f -N 777")
	destroy := indexOf(cmds, "zpool destroy -f freenas-boot")
	create := indexOf(cmds, "zpool create")
	if imp < 0 || destroy < imp || create < destroy {
		t.Fatalf("expected import, destroy, create in order:\n%s", strings.Join(cmds, "\n"))
	}
}

func TestBestEffortStepsBecomeAdvisories(t *testing.T) {
	fake := (&shelltest.Fake{}).
		On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib))).
		Fail("zfs inherit sync", 1, "dataset is busy")
	o, _, _ := newTestOrchestrator(t, fake)
	o.Probe.Cmdline = procfs.NewCmdline("console=ttyS0,115200")
	o.Probe.Product = func() (string, error) { return "HVM domU", nil }
	var saved sysinfo.SerialConsole
	o.SaveSerial = func(_ context.Context, _ string, c sysinfo.SerialConsole) error {
		saved = c
		return errors.New("no such table: system_advanced")
	}
	snap := &snapshot{}
	rep, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
		Hooks:    []Hook{snap.hook()},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if saved.Port != "0x3f8" || saved.Speed != 115200 {
		t.Fatalf("serial settings %+v", saved)
	}
	if snap.files["boot/loader.conf.local"] != hpetHint+"\n" {
		t.Fatalf("loader.conf.local %q", snap.files["boot/loader.conf.local"])
	}
	var steps []string
	for _, a := range rep.Advisories {
		steps = append(steps, a.Step)
	}
	want := "save serial settings,inherit sync on freenas-boot/ROOT/default"
	if strings.Join(steps, ",") != want {
		t.Fatalf("advisories %v", steps)
	}
}

func TestHookFailureAborts(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	boom := errors.New("hook failed")
	_, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Manifest: testManifest(t),
		Hooks:    []Hook{func(context.Context, string, *Request) error { return boom }},
	})
	var ae *AbortedError
	if !errors.Is(err, boom) || !errors.As(err, &ae) || ae.State != Finalizing {
		t.Fatalf("expected hook failure in Finalizing, got %v", err)
	}
	if fake.Count("zpool export") != 0 {
		t.Fatalf("pool exported after hook failure")
	}
}

func TestTrueNASSwapMirror(t *testing.T) {
	fake := (&shelltest.Fake{}).On("lsblk", lsblkJSON(lsblkDisk("sda", 40*gib), lsblkDisk("sdb", 40*gib)))
	o, _, _ := newTestOrchestrator(t, fake)
	o.Config.Product = config.Product{Name: "TrueNAS"}
	snap := &snapshot{}
	_, err := o.Run(context.Background(), &Request{
		Disks: []disks.Disk{
			{Name: "sda", Path: "/dev/sda", Size: 40 * gib},
			{Name: "sdb", Path: "/dev/sdb", Size: 40 * gib},
		},
		Manifest: testManifest(t),
		Hooks:    []Hook{snap.hook()},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	cmds := fake.Commands()
	for _, want := range []string{
		"sgdisk -n 2:0:+16G -t 2:8200 /dev/sdb",
		"sgdisk -n 3:0:+23G -t 3:BF01 /dev/sda",
		"zpool create -f -d -o cachefile=/tmp/zpool.cache",
		"mirror /dev/sda3 /dev/sdb3",
		"mdadm --create /dev/md/swap --run --force --level=1 --metadata=1.2 --raid-devices=2 /dev/sda2 /dev/sdb2",
	} {
		if indexOf(cmds, want) < 0 {
			t.Fatalf("missing %q in:\n%s", want, strings.Join(cmds, "\n"))
		}
	}
	if _, ok := snap.files["data/fstab.swap"]; ok {
		t.Fatalf("caller hooks run before the swap mirror is set up")
	}
}

func TestSwapMirrorHookWritesFstab(t *testing.T) {
	fake := &shelltest.Fake{}
	o, _, _ := newTestOrchestrator(t, fake)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	req := &Request{
		Disks:           []disks.Disk{{Name: "nvme0n1", Path: "/dev/nvme0n1"}},
		ExtraPartitions: []provision.Spec{{Kind: provision.KindOther, Size: gib}, {Kind: provision.KindSwap, Size: SwapSize}},
	}
	if err := o.SwapMirrorHook()(context.Background(), root, req); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if fake.Count("--raid-devices=1 /dev/nvme0n1p3") != 1 {
		t.Fatalf("commands %v", fake.Commands())
	}
	b, _ := os.ReadFile(filepath.Join(root, "data", "fstab.swap"))
	if string(b) != "/dev/md/swap\tnone\tswap\tsw\t0\t0\n" {
		t.Fatalf("fstab.swap %q", b)
	}

	// mdadm failures are logged and leave no fstab entry.
	fake2 := (&shelltest.Fake{}).Fail("mdadm", 1, "device busy")
	o2, _, _ := newTestOrchestrator(t, fake2)
	root2 := t.TempDir()
	if err := o2.SwapMirrorHook()(context.Background(), root2, req); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root2, "data", "fstab.swap")); !os.IsNotExist(err) {
		t.Fatalf("fstab.swap written after mdadm failure")
	}
}

func TestComponentLoggersTagged(t *testing.T) {
	var buf bytes.Buffer
	o := New(config.Defaults(), &shelltest.Fake{}, zerolog.New(&buf))
	loggers := map[string]zerolog.Logger{
		"provision":  o.Provisioner.Logger,
		"migrate":    o.Migrator.Logger,
		"bootloader": o.BootLoader.Logger,
		"mount":      o.Mounts.Logger,
	}
	for name, l := range loggers {
		buf.Reset()
		l.Info().Msg("hello")
		if !strings.Contains(buf.String(), `"component":"`+name+`"`) {
			t.Fatalf("%s logger not tagged: %s", name, buf.String())
		}
	}
}

func TestPasswordFailureHidesPassword(t *testing.T) {
	fake := (&shelltest.Fake{}).
		On("lsblk", lsblkJSON(lsblkDisk("sda", 20*gib))).
		Fail("reset_root_pw", 1, "bad password s3cr3t-pw")
	o, _, _ := newTestOrchestrator(t, fake)
	pw := "s3cr3t-pw"
	_, err := o.Run(context.Background(), &Request{
		Disks:    []disks.Disk{{Name: "sda", Path: "/dev/sda", Size: 20 * gib}},
		Password: &pw,
		Manifest: testManifest(t),
	})
	var ae *AbortedError
	if !errors.As(err, &ae) || ae.State != Finalizing {
		t.Fatalf("expected abort while finalizing, got %v", err)
	}
	if strings.Contains(err.Error(), pw) {
		t.Fatalf("error leaks password: %v", err)
	}
}
