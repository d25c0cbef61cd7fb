package disks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/freenas/ix-installer/internal/shell"
)

var (
	ErrNotFound = errors.New("disk not found")
	ErrChanged  = errors.New("disk changed since selection")
)

var lsblkColumns = "NAME,KNAME,PATH,SIZE,ROTA,TYPE,VENDOR,MODEL,SERIAL,MOUNTPOINT,FSTYPE,PARTTYPE,RM"

// Inventory lists whole disks through lsblk.
type Inventory struct {
	Runner shell.Runner
	// Lsblk overrides the lsblk binary.
	Lsblk string
}

// List returns every whole disk, skipping loop, ram and optical devices.
func (inv Inventory) List(ctx context.Context) ([]Disk, error) {
	bin := inv.Lsblk
	if bin == "" {
		bin = "lsblk"
	}
	res, err := shell.Run(ctx, inv.Runner, bin, "--bytes", "--json", "-o", lsblkColumns)
	if err != nil {
		return nil, err
	}
	return Parse(res.Stdout)
}

// Get returns the disk named name ("sda" or "/dev/sda").
func (inv Inventory) Get(ctx context.Context, name string) (Disk, error) {
	all, err := inv.List(ctx)
	if err != nil {
		return Disk{}, err
	}
	name = strings.TrimPrefix(name, "/dev/")
	for _, d := range all {
		if d.Name == name {
			return d, nil
		}
	}
	return Disk{}, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Revalidate re-reads snap and fails if the disk vanished or changed size.
func (inv Inventory) Revalidate(ctx context.Context, snap Disk) (Disk, error) {
	cur, err := inv.Get(ctx, snap.Name)
	if err != nil {
		return Disk{}, err
	}
	if cur.Size != snap.Size {
		return cur, fmt.Errorf("%s: size %d, was %d: %w", snap.Name, cur.Size, snap.Size, ErrChanged)
	}
	return cur, nil
}

// Parse converts lsblk JSON output into disks.
func Parse(b []byte) ([]Disk, error) {
	var tree rawTree
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	out := []Disk{}
	for _, bd := range tree.Blockdevices {
		if bd.Type != "disk" || strings.HasPrefix(bd.Name, "loop") || strings.HasPrefix(bd.Name, "ram") {
			continue
		}
		d := Disk{
			Name:        bd.Name,
			Path:        firstNonEmpty(bd.Path, "/dev/"+bd.Name),
			Size:        normalizeSize(bd.Size),
			Description: strings.TrimSpace(strings.TrimSpace(bd.Vendor) + " " + strings.TrimSpace(bd.Model)),
			Serial:      strings.TrimSpace(bd.Serial),
			SolidState:  !normalizeBool(bd.Rota),
			Removable:   normalizeBool(bd.RM),
			Mountpoint:  deref(bd.Mountpoint),
			FSType:      bd.FSType,
		}
		if d.Description == "" {
			d.Description = "Unknown"
		}
		for _, c := range bd.Children {
			if c.Type != "part" {
				continue
			}
			d.Partitions = append(d.Partitions, Partition{
				Index:      partIndex(bd.Name, c.Name),
				Name:       c.Name,
				Path:       firstNonEmpty(c.Path, "/dev/"+c.Name),
				TypeGUID:   strings.ToLower(c.PartType),
				Size:       normalizeSize(c.Size),
				FSType:     c.FSType,
				Mountpoint: deref(c.Mountpoint),
			})
		}
		out = append(out, d)
	}
	return out, nil
}

// PartitionPath appends the partition number to a disk path, inserting "p"
// when the disk name ends in a digit (nvme0n1p2, mmcblk0p1).
func PartitionPath(diskPath string, index int) string {
	if diskPath == "" {
		return ""
	}
	last := rune(diskPath[len(diskPath)-1])
	if unicode.IsDigit(last) {
		return fmt.Sprintf("%sp%d", diskPath, index)
	}
	return fmt.Sprintf("%s%d", diskPath, index)
}

func partIndex(disk, part string) int {
	suffix := strings.TrimPrefix(strings.TrimPrefix(part, disk), "p")
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// normalizeSize accepts the number or string forms different lsblk versions emit.
func normalizeSize(v any) int64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return int64(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	default:
		return 0
	}
}

func normalizeBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	case float64:
		return t != 0
	default:
		return false
	}
}
