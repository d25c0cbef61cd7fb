package install

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/provision"
)

// ValidateSystem checks the machine has enough memory to run the product.
func (o *Orchestrator) ValidateSystem(ctx context.Context) error {
	if o.Config.MinMemoryBytes == 0 {
		return nil
	}
	total, err := o.Probe.TotalMemory()
	if err != nil {
		o.Logger.Warn().Err(err).Msg("could not read system memory")
		return nil
	}
	if total < o.Config.MinMemoryBytes {
		return &ValidationError{
			Code:    MemoryTooSmall,
			Message: fmt.Sprintf("%s of memory, %s required", humanize.IBytes(total), humanize.IBytes(o.Config.MinMemoryBytes)),
		}
	}
	return nil
}

// ValidateDisk checks d can be selected: big enough, not mounted and not
// backing an imported pool.
func (o *Orchestrator) ValidateDisk(ctx context.Context, d disks.Disk) error {
	if d.Size < o.Config.MinDiskBytes {
		return &ValidationError{
			Code:    DiskTooSmall,
			Message: fmt.Sprintf("%s is %s, minimum is %s", d.Name, humanize.IBytes(uint64(d.Size)), humanize.IBytes(uint64(o.Config.MinDiskBytes))),
		}
	}
	if d.Mounted() {
		return &ValidationError{Code: DiskInUse, Message: d.Name + " has mounted filesystems"}
	}
	pools, err := o.ZFS.Imported(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		members, err := o.ZFS.Members(ctx, p)
		if err != nil {
			return err
		}
		for _, m := range members {
			if onDisk(d, m) {
				return &ValidationError{Code: DiskInUse, Message: fmt.Sprintf("%s is a member of pool %s", d.Name, p)}
			}
		}
	}
	return nil
}

func onDisk(d disks.Disk, dev string) bool {
	if dev == d.Path {
		return true
	}
	for _, p := range d.Partitions {
		if p.Path == dev {
			return true
		}
	}
	return false
}

// validate checks a request and builds its partition plan. It only reads.
func (o *Orchestrator) validate(ctx context.Context, req *Request) (provision.Plan, error) {
	if req.Upgrade && req.UpgradeFrom == nil {
		return nil, &ValidationError{Code: NoUpgradeSource, Message: "upgrade requested without a pool to upgrade"}
	}
	if len(req.Disks) == 0 && req.UpgradeFrom == nil {
		return nil, &ValidationError{Code: NoTarget, Message: "no disks or previous boot pool selected"}
	}
	if req.Manifest == nil {
		return nil, &ValidationError{Code: NoManifest, Message: "no manifest specified for the installation"}
	}
	if len(req.Disks) == 0 {
		return nil, nil
	}
	for i, d := range req.Disks {
		cur, err := o.Inventory.Revalidate(ctx, d)
		if err != nil {
			if errors.Is(err, disks.ErrChanged) || errors.Is(err, disks.ErrNotFound) {
				return nil, &ValidationError{Code: DiskChanged, Err: err}
			}
			return nil, err
		}
		req.Disks[i] = cur
	}
	plan, err := provision.BuildPlan(req.Disks, req.EFI, req.ExtraPartitions)
	if err != nil {
		var small *provision.DiskTooSmallError
		if errors.As(err, &small) {
			return nil, &ValidationError{Code: DiskTooSmall, Err: err}
		}
		return nil, err
	}
	return plan, nil
}
