package packages

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// PackageStart is sent as each package begins installing.
type PackageStart struct {
	Index    int
	Name     string
	Packages []string
}

// ObjectProgress is sent for each installed object, and once with Done set
// when a package is complete.
type ObjectProgress struct {
	Total int
	Index int
	Name  string
	Done  bool
}

// Deployer installs the packages of a manifest into a root.
type Deployer interface {
	LoadPackages(ctx context.Context, m *Manifest, root, dir string) error
	InstallPackages(ctx context.Context, progress func(ObjectProgress), start func(PackageStart)) error
}

// ErrNotLoaded is returned by InstallPackages before a successful LoadPackages.
var ErrNotLoaded = errors.New("packages not loaded")

// TarDeployer installs packages shipped as gzip-compressed tarballs named
// <name>-<version>.tgz in a package directory.
type TarDeployer struct {
	Logger zerolog.Logger

	manifest *Manifest
	root     string
	files    []string
}

// LoadPackages checks every package of m is present in dir.
func (d *TarDeployer) LoadPackages(ctx context.Context, m *Manifest, root, dir string) error {
	var files []string
	for _, p := range m.Packages {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := filepath.Join(dir, p.FileName())
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("package %s: %w", p.Name, err)
		}
		files = append(files, f)
	}
	d.manifest, d.root, d.files = m, root, files
	return nil
}

// InstallPackages extracts the loaded packages in manifest order.
func (d *TarDeployer) InstallPackages(ctx context.Context, progress func(ObjectProgress), start func(PackageStart)) error {
	if d.manifest == nil {
		return ErrNotLoaded
	}
	names := d.manifest.Names()
	for i, f := range d.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := names[i]
		if start != nil {
			start(PackageStart{Index: i, Name: name, Packages: names})
		}
		d.Logger.Info().Str("package", name).Msg("installing package")
		total, err := countEntries(f)
		if err != nil {
			return fmt.Errorf("package %s: %w", name, err)
		}
		if err := d.extract(ctx, f, total, progress); err != nil {
			return fmt.Errorf("package %s: %w", name, err)
		}
		if progress != nil {
			progress(ObjectProgress{Done: true, Name: name})
		}
	}
	return nil
}

func openTar(path string) (*tar.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return tar.NewReader(zr), func() { zr.Close(); f.Close() }, nil
}

func countEntries(path string) (int, error) {
	tr, done, err := openTar(path)
	if err != nil {
		return 0, err
	}
	defer done()
	n := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}

func (d *TarDeployer) extract(ctx context.Context, path string, total int, progress func(ObjectProgress)) error {
	tr, done, err := openTar(path)
	if err != nil {
		return err
	}
	defer done()
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := d.within(hdr.Name)
		if err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			// A directory entry may name an existing symlink; follow it inside the root.
			if target, err = securejoin.SecureJoin(d.root, hdr.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := securejoin.SecureJoin(d.root, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			d.Logger.Debug().Str("name", hdr.Name).Msg("skipping unsupported entry")
		}
		if progress != nil {
			progress(ObjectProgress{Total: total, Index: i + 1, Name: "/" + strings.TrimPrefix(filepath.Clean("/"+hdr.Name), "/")})
		}
	}
}

// within resolves an archive path inside the root. Symlinks among the parent
// directories are resolved as if the root were "/", so an earlier entry
// cannot redirect later ones outside it. The last component is not followed.
func (d *TarDeployer) within(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return filepath.Clean(d.root), nil
	}
	dir, err := securejoin.SecureJoin(d.root, filepath.Dir(clean))
	if err != nil {
		return "", fmt.Errorf("archive entry %q: %w", name, err)
	}
	return filepath.Join(dir, filepath.Base(clean)), nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
