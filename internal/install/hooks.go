package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/provision"
	"github.com/freenas/ix-installer/internal/shell"
)

// SwapSize is the swap partition TrueNAS lays out on every boot disk.
const SwapSize = 16 * provision.GiB

// SwapDevice is the md mirror assembled over the swap partitions.
const SwapDevice = "/dev/md/swap"

// SwapIndex returns the partition index the plan gives to the first swap
// partition of extra, or 0 when there is none.
func SwapIndex(extra []provision.Spec) int {
	for i, s := range extra {
		if s.Kind == provision.KindSwap {
			return i + 2
		}
	}
	return 0
}

// SwapMirrorHook mirrors the swap partitions of the formatted disks and
// records the mirror in data/fstab.swap. A failing mdadm is logged and the
// fstab entry skipped.
func (o *Orchestrator) SwapMirrorHook() Hook {
	return func(ctx context.Context, mountPoint string, req *Request) error {
		idx := SwapIndex(req.ExtraPartitions)
		if len(req.Disks) == 0 || idx == 0 {
			return nil
		}
		args := []string{"--create", SwapDevice, "--run", "--force", "--level=1", "--metadata=1.2",
			"--raid-devices=" + strconv.Itoa(len(req.Disks))}
		for _, d := range req.Disks {
			args = append(args, disks.PartitionPath(d.Path, idx))
		}
		if _, err := shell.Run(ctx, o.Runner, o.Config.Tools.Mdadm, args...); err != nil {
			o.Logger.Warn().Err(err).Msg("could not create mirrored swap")
			return nil
		}
		line := fmt.Sprintf("%s\tnone\tswap\tsw\t0\t0\n", SwapDevice)
		return os.WriteFile(filepath.Join(mountPoint, "data", "fstab.swap"), []byte(line), 0o644)
	}
}

// withProduct returns a copy of req carrying the product's partition layout
// and hooks.
func (o *Orchestrator) withProduct(req *Request) *Request {
	out := *req
	out.Disks = append([]disks.Disk(nil), req.Disks...)
	out.ExtraPartitions = append([]provision.Spec(nil), req.ExtraPartitions...)
	out.Hooks = append([]Hook(nil), req.Hooks...)
	if o.Config.Product.IsTrueNAS() {
		out.ExtraPartitions = append(out.ExtraPartitions, provision.Spec{Kind: provision.KindSwap, Size: SwapSize})
		out.Hooks = append(out.Hooks, o.SwapMirrorHook())
	}
	return &out
}
