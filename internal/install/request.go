package install

import (
	"context"

	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/packages"
	"github.com/freenas/ix-installer/internal/provision"
	"github.com/freenas/ix-installer/internal/zfs"
)

// Hook runs after the new environment is complete, still mounted at
// mountPoint. A returned error aborts the install.
type Hook func(ctx context.Context, mountPoint string, req *Request) error

// Request is everything one run needs. It is consumed by a single Run.
type Request struct {
	// Disks to format. Empty reuses the existing pool.
	Disks []disks.Disk
	EFI   bool
	// Upgrade carries configuration over from UpgradeFrom.
	Upgrade     bool
	UpgradeFrom *zfs.ImportablePool
	// ExtraPartitions are laid out between the boot and OS partitions.
	ExtraPartitions []provision.Spec
	// Password is set for root on fresh installs. Ignored on upgrade.
	Password *string
	Manifest *packages.Manifest

	// DataDir seeds the new data directory on fresh installs.
	DataDir string
	// PackageDir holds the package files; removed after the run when
	// PackageDirTemporary is set.
	PackageDir          string
	PackageDirTemporary bool

	OnProgress func(packages.ObjectProgress)
	OnPackage  func(packages.PackageStart)
	Hooks      []Hook
}

func (r *Request) mode() string {
	if r.Upgrade {
		return "upgrade"
	}
	return "install"
}
