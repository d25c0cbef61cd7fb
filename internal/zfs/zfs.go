// Package zfs drives the zpool and zfs command line tools.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/shell"
)

// ErrNoPools is returned when a requested pool is not importable.
var ErrNoPools = errors.New("no pools available to import")

// ImportablePool identifies a pool found by scanning devices.
type ImportablePool struct {
	Name string
	GUID string
}

func (p ImportablePool) String() string {
	if p.GUID == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.GUID)
}

// ImportOptions tunes a pool import.
type ImportOptions struct {
	// NewName imports the pool under a different name.
	NewName  string
	ReadOnly bool
	Force    bool
	// NoMount skips mounting datasets.
	NoMount bool
	// CacheFile sets the cachefile property, "none" to keep the import out of any cache.
	CacheFile string
}

// CreateOptions describes a new pool.
type CreateOptions struct {
	Name      string
	Vdevs     []string
	Mirror    bool
	CacheFile string
	// PoolProps are -o pool properties, FSProps -O root dataset properties.
	PoolProps map[string]string
	FSProps   map[string]string
	// NoFeatures creates the pool with all features disabled (-d).
	NoFeatures bool
}

// Client runs pool commands through a shell.Runner.
type Client struct {
	Runner shell.Runner
	Zpool  string
	Zfs    string
	Logger zerolog.Logger
}

func (c Client) zpool(ctx context.Context, args ...string) (string, error) {
	return shell.Output(ctx, c.Runner, orDefault(c.Zpool, "zpool"), args...)
}

func (c Client) zfs(ctx context.Context, args ...string) (string, error) {
	return shell.Output(ctx, c.Runner, orDefault(c.Zfs, "zfs"), args...)
}

// Importable scans devices for pools that can be imported.
func (c Client) Importable(ctx context.Context) ([]ImportablePool, error) {
	out, err := c.zpool(ctx, "import")
	if err != nil {
		var ce *shell.CommandError
		if errors.As(err, &ce) && strings.Contains(ce.Stderr, "no pools available") {
			return nil, nil
		}
		return nil, err
	}
	return ParseImport(out), nil
}

// Find returns the importable pool named name.
func (c Client) Find(ctx context.Context, name string) (ImportablePool, error) {
	pools, err := c.Importable(ctx)
	if err != nil {
		return ImportablePool{}, err
	}
	for _, p := range pools {
		if p.Name == name {
			return p, nil
		}
	}
	return ImportablePool{}, fmt.Errorf("%s: %w", name, ErrNoPools)
}

// Import imports p, by GUID when known so duplicate names are unambiguous.
func (c Client) Import(ctx context.Context, p ImportablePool, o ImportOptions) error {
	args := []string{"import"}
	if o.Force {
		args = append(args, "-f")
	}
	if o.NoMount {
		args = append(args, "-N")
	}
	if o.ReadOnly {
		args = append(args, "-o", "readonly=on")
	}
	if o.CacheFile != "" {
		args = append(args, "-o", "cachefile="+o.CacheFile)
	}
	id := p.GUID
	if id == "" {
		id = p.Name
	}
	args = append(args, id)
	if o.NewName != "" {
		args = append(args, o.NewName)
	}
	_, err := c.zpool(ctx, args...)
	return err
}

// Export exports a pool.
func (c Client) Export(ctx context.Context, name string, force bool) error {
	args := []string{"export"}
	if force {
		args = append(args, "-f")
	}
	_, err := c.zpool(ctx, append(args, name)...)
	return err
}

// Destroy destroys an imported pool.
func (c Client) Destroy(ctx context.Context, name string) error {
	_, err := c.zpool(ctx, "destroy", "-f", name)
	return err
}

// Imported lists the names of imported pools.
func (c Client) Imported(ctx context.Context) ([]string, error) {
	out, err := c.zpool(ctx, "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// Create creates a pool.
func (c Client) Create(ctx context.Context, o CreateOptions) error {
	args := []string{"create", "-f"}
	if o.NoFeatures {
		args = append(args, "-d")
	}
	if o.CacheFile != "" {
		args = append(args, "-o", "cachefile="+o.CacheFile)
	}
	args = append(args, propArgs("-o", o.PoolProps)...)
	args = append(args, propArgs("-O", o.FSProps)...)
	args = append(args, o.Name)
	if o.Mirror {
		args = append(args, "mirror")
	}
	args = append(args, o.Vdevs...)
	_, err := c.zpool(ctx, args...)
	return err
}

// EnableFeature enables a single pool feature.
func (c Client) EnableFeature(ctx context.Context, pool, feature string) error {
	return c.SetPoolProperty(ctx, pool, "feature@"+feature, "enabled")
}

// PoolProperty reads a pool property. Unset properties read as "-".
func (c Client) PoolProperty(ctx context.Context, pool, prop string) (string, error) {
	return c.zpool(ctx, "get", "-H", "-o", "value", prop, pool)
}

// SetPoolProperty sets a pool property.
func (c Client) SetPoolProperty(ctx context.Context, pool, prop, value string) error {
	_, err := c.zpool(ctx, "set", prop+"="+value, pool)
	return err
}

// Members returns the device paths backing pool's leaf vdevs.
func (c Client) Members(ctx context.Context, pool string) ([]string, error) {
	out, err := c.zpool(ctx, "list", "-vHP", pool)
	if err != nil {
		return nil, err
	}
	return ParseMembers(out), nil
}

// CreateDataset creates a dataset with properties.
func (c Client) CreateDataset(ctx context.Context, name string, props map[string]string) error {
	args := append([]string{"create"}, propArgs("-o", props)...)
	_, err := c.zfs(ctx, append(args, name)...)
	return err
}

// SetProperty sets a dataset property.
func (c Client) SetProperty(ctx context.Context, dataset, prop, value string) error {
	_, err := c.zfs(ctx, "set", prop+"="+value, dataset)
	return err
}

// InheritProperty reverts a dataset property to its inherited value.
func (c Client) InheritProperty(ctx context.Context, dataset, prop string) error {
	_, err := c.zfs(ctx, "inherit", prop, dataset)
	return err
}

// ParseImport reads the pool/id stanzas of `zpool import` output.
func ParseImport(out string) []ImportablePool {
	var pools []ImportablePool
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "pool":
			pools = append(pools, ImportablePool{Name: val})
		case "id":
			if n := len(pools); n > 0 && pools[n-1].GUID == "" {
				pools[n-1].GUID = val
			}
		}
	}
	return pools
}

// ParseMembers extracts leaf device paths from `zpool list -vHP` output.
func ParseMembers(out string) []string {
	var members []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.HasPrefix(fields[0], "/dev/") {
			members = append(members, fields[0])
		}
	}
	return members
}

func propArgs(flag string, props map[string]string) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, flag, k+"="+props[k])
	}
	return args
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
