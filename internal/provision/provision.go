package provision

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/logging"
	"github.com/freenas/ix-installer/internal/shell"
	"github.com/freenas/ix-installer/internal/zfs"
)

// DefaultFeatures are enabled on a new pool when the running ZFS knows them.
var DefaultFeatures = []string{"async_destroy", "empty_bpobj", "lz4_compress"}

// Pool is the freshly created boot pool.
type Pool struct {
	Name       string
	Partitions []string
	Disks      []string
	Mirrored   bool
}

// Provisioner partitions disks and assembles the boot pool on them.
type Provisioner struct {
	Runner    shell.Runner
	ZFS       zfs.Client
	Tools     config.Tools
	PoolName  string
	CacheFile string
	Features  []string
	// Memberships finds md mirrors using a disk. Defaults to disks.Memberships.
	Memberships func(disks.Disk) ([]disks.Membership, error)
	Logger      zerolog.Logger
}

// New returns a Provisioner configured from cfg.
func New(r shell.Runner, z zfs.Client, cfg config.Config, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		Runner:    r,
		ZFS:       z,
		Tools:     cfg.Tools,
		PoolName:  cfg.PoolName,
		CacheFile: cfg.CacheFile,
		Features:  DefaultFeatures,
		Logger:    logging.Component(log, "provision"),
	}
}

// Partition destroys the existing layout of every disk, applies plan to each
// and creates the pool on the OS partitions, mirrored when there is more than
// one disk. Nothing is touched if the plan is invalid.
func (p *Provisioner) Partition(ctx context.Context, ds []disks.Disk, plan Plan) (*Pool, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, &ProvisioningError{Kind: InvalidPlan, Err: errors.New("no disks")}
	}
	osSpec, _ := plan.OS()

	for _, d := range ds {
		p.detachMirrors(ctx, d)
		// A disk without a partition table is a fine starting point.
		if _, err := shell.Run(ctx, p.Runner, p.Tools.Sgdisk, "--zap-all", d.Path); err != nil {
			p.Logger.Debug().Err(err).Str("disk", d.Name).Msg("destroy partition table")
		}
	}

	for _, d := range ds {
		if err := p.run(ctx, p.Tools.Sgdisk, "--clear", d.Path); err != nil {
			return nil, err
		}
		for _, s := range plan {
			idx := strconv.Itoa(s.Index)
			p.Logger.Info().Str("disk", d.Name).Stringer("partition", s).Msg("adding partition")
			if err := p.run(ctx, p.Tools.Sgdisk,
				"-n", idx+":0:+"+strings.ToUpper(SmartSize(s.Size)),
				"-t", idx+":"+s.Kind.TypeCode(),
				d.Path); err != nil {
				return nil, err
			}
			if s.Kind == KindEFI {
				if err := p.run(ctx, p.Tools.MkfsVfat, "-F", "16", d.PartitionPath(s.Index)); err != nil {
					return nil, err
				}
			}
		}
	}

	if _, err := shell.Run(ctx, p.Runner, p.Tools.Udevadm, "settle"); err != nil {
		p.Logger.Warn().Err(err).Msg("device rescan")
	}

	pool := &Pool{Name: p.PoolName, Mirrored: len(ds) > 1}
	for _, d := range ds {
		pool.Disks = append(pool.Disks, d.Name)
		pool.Partitions = append(pool.Partitions, d.PartitionPath(osSpec.Index))
	}
	if err := p.createPool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *Provisioner) createPool(ctx context.Context, pool *Pool) error {
	p.Logger.Info().Str("pool", pool.Name).Strs("vdevs", pool.Partitions).Bool("mirror", pool.Mirrored).Msg("creating pool")
	err := p.ZFS.Create(ctx, zfs.CreateOptions{
		Name:       pool.Name,
		Vdevs:      pool.Partitions,
		Mirror:     pool.Mirrored,
		CacheFile:  p.CacheFile,
		NoFeatures: true,
		FSProps:    map[string]string{"mountpoint": "none", "atime": "off", "canmount": "off"},
	})
	if err != nil {
		return poolError(err)
	}
	for _, f := range p.Features {
		if err := p.ZFS.EnableFeature(ctx, pool.Name, f); err != nil {
			p.Logger.Warn().Err(err).Str("feature", f).Msg("feature not supported, skipping")
		}
	}
	if err := p.ZFS.SetProperty(ctx, pool.Name, "compression", "lz4"); err != nil {
		return poolError(err)
	}
	if err := p.ZFS.CreateDataset(ctx, pool.Name+"/grub", map[string]string{"mountpoint": "legacy"}); err != nil {
		return poolError(err)
	}
	if err := p.ZFS.CreateDataset(ctx, pool.Name+"/ROOT", map[string]string{"canmount": "off"}); err != nil {
		return poolError(err)
	}
	return nil
}

// detachMirrors pulls the disk out of any md mirror. Failures are only logged
// since the partition table commands fail loudly if the disk is still busy.
func (p *Provisioner) detachMirrors(ctx context.Context, d disks.Disk) {
	find := p.Memberships
	if find == nil {
		find = disks.Memberships
	}
	ms, err := find(d)
	if err != nil {
		p.Logger.Warn().Err(err).Str("disk", d.Name).Msg("reading mirror membership")
		return
	}
	for _, m := range ms {
		array, member := "/dev/"+m.Array, "/dev/"+m.Member
		for _, op := range []string{"--fail", "--remove"} {
			if _, err := shell.Run(ctx, p.Runner, p.Tools.Mdadm, "--manage", array, op, member); err != nil {
				p.Logger.Warn().Err(err).Str("array", m.Array).Str("member", m.Member).
					Msg("unable to remove from mirror; this may cause a failure in a bit")
				break
			}
		}
	}
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) error {
	if _, err := shell.Run(ctx, p.Runner, name, args...); err != nil {
		return &ProvisioningError{Kind: PartitionCommandFailed, Command: shell.Command{Name: name, Args: args}.String(), Err: err}
	}
	return nil
}

func poolError(err error) error {
	pe := &ProvisioningError{Kind: PoolCreateFailed, Err: err}
	var ce *shell.CommandError
	if errors.As(err, &ce) {
		pe.Command = ce.Command
	}
	return pe
}
