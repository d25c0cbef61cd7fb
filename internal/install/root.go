package install

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	loaderConf      = "boot/loader.conf"
	loaderConfLocal = "boot/loader.conf.local"
	modulePathLine  = `module_path="/boot/kernel;/boot/modules;/usr/local/modules"`
	kernelLine      = `kernel="kernel"`
	hpetHint        = `hint.hpet.0.clock="0"`
)

// legacyFstabs are the configuration copies of etc/fstab kept as hard links.
var legacyFstabs = []string{"conf/base/etc/fstab", "conf/default/etc/fstab"}

// systemDatabases are merged from the running system into a fresh install.
var systemDatabases = []string{"freenas-v1.db", "factory-v1.db"}

func fstabLine(pool string) string {
	return fmt.Sprintf("%s/grub\t/boot/grub\tzfs\trw,noatime\t1\t0\n", pool)
}

// writeFstab writes etc/fstab. Stale legacy copies are removed first so the
// links made afterwards always point at the new table.
func (r *run) writeFstab(root string) error {
	for _, f := range legacyFstabs {
		if err := os.Remove(filepath.Join(root, f)); err != nil && !os.IsNotExist(err) {
			r.log.Debug().Err(err).Str("path", f).Msg("unable to remove, ignoring")
		}
	}
	fstab := filepath.Join(root, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(fstab), 0o755); err != nil {
		return &StepError{Step: "create filesystem table", Err: err}
	}
	if err := os.WriteFile(fstab, []byte(fstabLine(r.pool)), 0o644); err != nil {
		return &StepError{Step: "create filesystem table", Err: err}
	}
	for _, f := range legacyFstabs {
		if err := os.Link(fstab, filepath.Join(root, f)); err != nil {
			r.advise("link "+f, err)
		}
	}
	return nil
}

// rewriteLoaderConf points the module path and kernel lines of loader.conf
// at the final layout.
func rewriteLoaderConf(root string) error {
	path := filepath.Join(root, loaderConf)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		switch {
		case strings.HasPrefix(line, "module_path="):
			line = modulePathLine
		case strings.HasPrefix(line, "kernel="):
			line = kernelLine
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, out.Bytes(), info.Mode().Perm())
}

func appendHPETHint(root string) error {
	f, err := os.OpenFile(filepath.Join(root, loaderConfLocal), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, hpetHint); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
