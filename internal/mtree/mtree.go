// Package mtree seeds a directory skeleton from an mtree(8) file,
// the format of /etc/mtree/BSD.var.dist.
package mtree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
)

// DefaultVarSpec is the var skeleton mtree file relative to a root.
const DefaultVarSpec = "etc/mtree/BSD.var.dist"

// Entry is one node of an mtree file with its keywords resolved.
type Entry struct {
	Path string
	Type string
	Mode os.FileMode
	UID  int
	GID  int
	// Uname and Gname name the owner when no numeric id is given.
	Uname string
	Gname string
	Link  string
}

// Parse reads an mtree file in the hierarchical form: relative names
// descend into directories, ".." ascends, and /set and /unset change the
// defaults for the entries that follow.
func Parse(r io.Reader) ([]Entry, error) {
	defaults := map[string]string{}
	var (
		entries []Entry
		cwd     string
		rooted  bool
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		for strings.HasSuffix(text, "\\") && sc.Scan() {
			line++
			text = strings.TrimSuffix(text, "\\") + " " + strings.TrimSpace(sc.Text())
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "/set":
			for k, v := range keywords(fields[1:]) {
				defaults[k] = v
			}
			continue
		case "/unset":
			for _, k := range fields[1:] {
				if k == "all" {
					defaults = map[string]string{}
				}
				delete(defaults, k)
			}
			continue
		case "..":
			if cwd == "" {
				if !rooted {
					return nil, fmt.Errorf("mtree line %d: unbalanced ..", line)
				}
				rooted = false
				continue
			}
			cwd = path.Dir(cwd)
			if cwd == "." {
				cwd = ""
			}
			continue
		}

		name, err := unvis(fields[0])
		if err != nil {
			return nil, fmt.Errorf("mtree line %d: %w", line, err)
		}
		kw := map[string]string{}
		for k, v := range defaults {
			kw[k] = v
		}
		for k, v := range keywords(fields[1:]) {
			kw[k] = v
		}
		if name == "." && cwd == "" && !rooted {
			rooted = true
			continue
		}
		if strings.Contains(name, "/") {
			return nil, fmt.Errorf("mtree line %d: full paths are not supported: %s", line, name)
		}
		e, err := entry(path.Join(cwd, name), kw)
		if err != nil {
			return nil, fmt.Errorf("mtree line %d: %w", line, err)
		}
		entries = append(entries, e)
		if e.Type == "dir" {
			cwd = e.Path
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func keywords(fields []string) map[string]string {
	out := map[string]string{}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			out[f] = ""
			continue
		}
		out[k] = v
	}
	return out
}

func entry(p string, kw map[string]string) (Entry, error) {
	e := Entry{Path: p, Type: kw["type"], UID: -1, GID: -1}
	if e.Type == "" {
		e.Type = "file"
	}
	if m, ok := kw["mode"]; ok {
		v, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return e, fmt.Errorf("bad mode %q", m)
		}
		e.Mode = os.FileMode(v) & os.ModePerm
		if v&0o1000 != 0 {
			e.Mode |= os.ModeSticky
		}
		if v&0o2000 != 0 {
			e.Mode |= os.ModeSetgid
		}
		if v&0o4000 != 0 {
			e.Mode |= os.ModeSetuid
		}
	}
	for key, dst := range map[string]*int{"uid": &e.UID, "gid": &e.GID} {
		if s, ok := kw[key]; ok {
			v, err := strconv.Atoi(s)
			if err != nil {
				return e, fmt.Errorf("bad %s %q", key, s)
			}
			*dst = v
		}
	}
	e.Uname, e.Gname = kw["uname"], kw["gname"]
	if l, ok := kw["link"]; ok {
		link, err := unvis(l)
		if err != nil {
			return e, err
		}
		e.Link = link
	}
	return e, nil
}

// unvis decodes the octal \ooo escapes mtree uses for special characters.
func unvis(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 < len(s) && isOctal(s[i+1:i+4]) {
			v, _ := strconv.ParseUint(s[i+1:i+4], 8, 8)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		return "", fmt.Errorf("bad escape in %q", s)
	}
	return b.String(), nil
}

func isOctal(s string) bool {
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// Owners maps the user and group names of a root to their ids.
type Owners struct {
	Users  map[string]int
	Groups map[string]int
}

// LoadOwners reads etc/passwd and etc/group under root. The host's
// databases are never consulted; a missing file gives an empty table.
func LoadOwners(root string) (Owners, error) {
	o := Owners{Users: map[string]int{}, Groups: map[string]int{}}
	users, err := user.ParsePasswdFile(filepath.Join(root, "etc", "passwd"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return o, err
	}
	for _, u := range users {
		o.Users[u.Name] = u.Uid
	}
	groups, err := user.ParseGroupFile(filepath.Join(root, "etc", "group"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return o, err
	}
	for _, g := range groups {
		o.Groups[g.Name] = g.Gid
	}
	return o, nil
}

// ids resolves the ownership of e. Numeric ids win over names; -1 leaves
// that id unchanged.
func (o Owners) ids(e Entry) (uid, gid int, err error) {
	uid, gid = e.UID, e.GID
	if uid < 0 && e.Uname != "" {
		v, ok := o.Users[e.Uname]
		if !ok {
			return 0, 0, fmt.Errorf("%s: unknown user %q", e.Path, e.Uname)
		}
		uid = v
	}
	if gid < 0 && e.Gname != "" {
		v, ok := o.Groups[e.Gname]
		if !ok {
			return 0, 0, fmt.Errorf("%s: unknown group %q", e.Path, e.Gname)
		}
		gid = v
	}
	return uid, gid, nil
}

// Apply creates the entries under root. Directories and links are created,
// files only when missing. Names are resolved through owners, and ownership
// is applied when running as root.
func Apply(root string, entries []Entry, owners Owners) error {
	chown := os.Geteuid() == 0
	for _, e := range entries {
		uid, gid, err := owners.ids(e)
		if err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(e.Path))
		switch e.Type {
		case "dir":
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case "link":
			if e.Link == "" {
				return fmt.Errorf("%s: link without target", e.Path)
			}
			_ = os.Remove(target)
			if err := os.Symlink(e.Link, target); err != nil {
				return err
			}
			if chown && (uid >= 0 || gid >= 0) {
				if err := os.Lchown(target, uid, gid); err != nil {
					return err
				}
			}
			continue
		case "file":
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			f.Close()
		default:
			continue
		}
		if e.Mode != 0 {
			if err := os.Chmod(target, e.Mode); err != nil {
				return err
			}
		}
		if chown && (uid >= 0 || gid >= 0) {
			if err := os.Lchown(target, uid, gid); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyFile parses the mtree file at specPath and applies it under root.
func ApplyFile(specPath, root string, owners Owners) error {
	f, err := os.Open(specPath)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return err
	}
	return Apply(root, entries, owners)
}
