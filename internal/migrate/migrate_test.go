package migrate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/shell/shelltest"
	"github.com/freenas/ix-installer/internal/zfs"
)

var oldPool = zfs.ImportablePool{Name: "freenas-boot", GUID: "6918294389424396434"}

// oldEnvironment is the content the fake mount places at the mount point.
var oldEnvironment = map[string]string{
	"data/hostid":                     "8c1f4e2a\n",
	"data/freenas-v1.db":              "SQLite format 3\x00...",
	"conf/base/etc/hostid":            "8c1f4e2a\n",
	"root/.ssh/authorized_keys":       "ssh-ed25519 AAAA admin@example\n",
	"boot/loader.conf.local":          "hint.hpet.0.clock=\"0\"\n",
	"etc/version":                     "FreeNAS-11.0-U4 (54518e0bd)\n",
	"etc/passwd":                      "root:*:0:0::/root:/bin/csh\n",
	"usr/local/fusionio/firmware.bin": "\x01\x02\x03",
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

// fakePool answers pool commands and makes "mount" populate the mount point.
func fakePool(t *testing.T, bootfs string, files map[string]string) *shelltest.Fake {
	fake := &shelltest.Fake{}
	fake.On("zpool get -H -o value bootfs", bootfs+"\n")
	fake.Hook("mount -t zfs -o ro", func(c shell.Command) {
		writeTree(t, c.Args[len(c.Args)-1], files)
	})
	fake.Hook("umount", func(c shell.Command) {
		dir := c.Args[len(c.Args)-1]
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			_ = os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	})
	return fake
}

func newMigrator(t *testing.T, fake *shelltest.Fake) *Migrator {
	m := New(fake, zfs.Client{Runner: fake}, config.Defaults(), zerolog.Nop())
	m.TempDir = t.TempDir()
	return m
}

func indexOf(cmds []string, match string) int {
	for i, c := range cmds {
		if strings.Contains(c, match) {
			return i
		}
	}
	return -1
}

func TestStageReplayRoundTrip(t *testing.T) {
	fake := fakePool(t, "freenas-boot/ROOT/default-20200101-000000", oldEnvironment)
	m := newMigrator(t, fake)

	var copied []string
	m.Progress = func(src, dst string) { copied = append(copied, dst) }

	staging, err := m.Stage(context.Background(), oldPool)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	cmds := fake.Commands()
	imp := indexOf(cmds, "zpool import -f -N -o readonly=on -o cachefile=none 6918294389424396434 freenas-boot-upgrade")
	mnt := indexOf(cmds, "mount -t zfs -o ro freenas-boot-upgrade/ROOT/default-20200101-000000")
	umnt := indexOf(cmds, "umount")
	exp := indexOf(cmds, "zpool export freenas-boot-upgrade")
	if imp < 0 || mnt < imp || umnt < mnt || exp < umnt {
		t.Fatalf("unexpected command order: %v", cmds)
	}
	if len(copied) == 0 {
		t.Fatalf("progress callback never called")
	}

	dest := t.TempDir()
	if err := m.Replay(context.Background(), staging, dest); err != nil {
		t.Fatalf("replay: %v", err)
	}
	for rel, content := range oldEnvironment {
		got, err := os.ReadFile(filepath.Join(dest, rel))
		allowed := strings.HasPrefix(rel, "data/") || rel == "conf/base/etc/hostid" ||
			strings.HasPrefix(rel, "root/.ssh/") || rel == "boot/loader.conf.local" ||
			strings.HasPrefix(rel, "usr/local/fusionio/")
		if !allowed {
			if err == nil {
				t.Fatalf("%s is not on the allowlist but was copied", rel)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s missing after replay: %v", rel, err)
		}
		if !bytes.Equal(got, []byte(content)) {
			t.Fatalf("%s differs after replay", rel)
		}
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging still exists")
	}
}

func TestStageWithoutActiveEnvironment(t *testing.T) {
	fake := fakePool(t, "-", nil)
	m := newMigrator(t, fake)
	_, err := m.Stage(context.Background(), oldPool)
	if !errors.Is(err, ErrNoActiveEnvironment) {
		t.Fatalf("expected ErrNoActiveEnvironment, got %v", err)
	}
	var cme *ConfigMigrationError
	if !errors.As(err, &cme) || cme.Op != "bootfs" {
		t.Fatalf("expected bootfs migration error, got %v", err)
	}
	if fake.Count("zpool export freenas-boot-upgrade") != 1 {
		t.Fatalf("old pool not exported: %v", fake.Commands())
	}
	if entries, _ := os.ReadDir(m.TempDir); len(entries) != 0 {
		t.Fatalf("temporary directories left behind: %v", entries)
	}
}

func TestStageMountFailureStillExports(t *testing.T) {
	fake := fakePool(t, "freenas-boot/ROOT/default", nil)
	fake.Fail("mount -t zfs -o ro", 1, "permission denied")
	m := newMigrator(t, fake)
	_, err := m.Stage(context.Background(), oldPool)
	var cme *ConfigMigrationError
	if !errors.As(err, &cme) || cme.Op != "mount" {
		t.Fatalf("expected mount migration error, got %v", err)
	}
	if fake.Count("zpool export") != 1 {
		t.Fatalf("old pool not exported after failure")
	}
}

func TestStageCancelledStillUnmountsAndExports(t *testing.T) {
	fake := fakePool(t, "freenas-boot/ROOT/default", oldEnvironment)
	fake.Cancelable = true
	m := newMigrator(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Progress = func(string, string) { cancel() }
	_, err := m.Stage(ctx, oldPool)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	cmds := fake.Commands()
	if indexOf(cmds, "umount") < 0 || fake.Count("zpool export freenas-boot-upgrade") != 1 {
		t.Fatalf("cleanup skipped after cancel:\n%s", strings.Join(cmds, "\n"))
	}
	if entries, _ := os.ReadDir(m.TempDir); len(entries) != 0 {
		t.Fatalf("temporary directories left behind: %v", entries)
	}
}

func TestReplayAlwaysRemovesStaging(t *testing.T) {
	m := newMigrator(t, &shelltest.Fake{})
	staging := t.TempDir()
	writeTree(t, staging, map[string]string{"data/hostid": "x"})
	destFile := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(destFile, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	err := m.Replay(context.Background(), staging, destFile)
	var cme *ConfigMigrationError
	if !errors.As(err, &cme) || cme.Op != "restore" {
		t.Fatalf("expected restore error, got %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging must be removed even when replay fails")
	}
}

func TestProbe(t *testing.T) {
	fake := fakePool(t, "freenas-boot/ROOT/default", oldEnvironment)
	m := newMigrator(t, fake)
	ok, err := m.Probe(context.Background(), oldPool, config.Product{Name: "FreeNAS"})
	if err != nil || !ok {
		t.Fatalf("FreeNAS pool should be upgradable: %v %v", ok, err)
	}
	ok, err = m.Probe(context.Background(), oldPool, config.Product{Name: "TrueNAS"})
	if err != nil || ok {
		t.Fatalf("TrueNAS must not upgrade a FreeNAS pool: %v %v", ok, err)
	}
	noBootfs := newMigrator(t, fakePool(t, "-", nil))
	if ok, err := noBootfs.Probe(context.Background(), oldPool, config.Product{Name: "FreeNAS"}); ok || err != nil {
		t.Fatalf("pool without bootfs: %v %v", ok, err)
	}
}

func TestCopyTreeOverwritesAndKeepsLinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")
	writeTree(t, src, map[string]string{"a/b/file": "new", "top": "top"})
	if err := os.Chmod(filepath.Join(src, "top"), 0o751); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("b/file", filepath.Join(src, "a", "link")); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dst, map[string]string{"a/b/file": "old content", "extra": "kept"})

	n := 0
	if err := CopyTree(src, dst, func(string, string) { n++ }); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(dst, "a/b/file")); string(b) != "new" {
		t.Fatalf("file not overwritten: %q", b)
	}
	if target, err := os.Readlink(filepath.Join(dst, "a/link")); err != nil || target != "b/file" {
		t.Fatalf("symlink: %q %v", target, err)
	}
	if fi, _ := os.Stat(filepath.Join(dst, "top")); fi.Mode().Perm() != 0o751 {
		t.Fatalf("mode not preserved: %v", fi.Mode())
	}
	if _, err := os.Stat(filepath.Join(dst, "extra")); err != nil {
		t.Fatalf("unrelated destination entries must survive: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 progress calls, got %d", n)
	}
}
