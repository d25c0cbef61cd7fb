// Package provision lays out boot disks and creates the boot pool on them.
package provision

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/freenas/ix-installer/internal/disks"
)

const (
	KiB = int64(1) << 10
	MiB = int64(1) << 20
	GiB = int64(1) << 30

	EFISize      = 100 * MiB
	BIOSBootSize = 512 * KiB
	// MinOSSize is the smallest OS partition worth installing to.
	MinOSSize = GiB
)

// Kind is the role of a partition.
type Kind int

const (
	KindOther Kind = iota
	KindEFI
	KindBIOSBoot
	KindSwap
	KindOS
)

func (k Kind) String() string {
	switch k {
	case KindEFI:
		return "efi"
	case KindBIOSBoot:
		return "bios-boot"
	case KindSwap:
		return "swap"
	case KindOS:
		return "zfs"
	default:
		return "other"
	}
}

// TypeCode is the sgdisk type code for the kind.
func (k Kind) TypeCode() string {
	switch k {
	case KindEFI:
		return "EF00"
	case KindBIOSBoot:
		return "EF02"
	case KindSwap:
		return "8200"
	case KindOS:
		return "BF01"
	default:
		return "8300"
	}
}

// BootLoader reports whether the partition holds boot code.
func (k Kind) BootLoader() bool { return k == KindEFI || k == KindBIOSBoot }

// Spec describes one partition to create on every disk.
type Spec struct {
	Kind  Kind
	Index int
	Size  int64
	OS    bool
}

func (s Spec) String() string {
	return fmt.Sprintf("<Partition type=%s index=%d size=%s os=%t>", s.Kind, s.Index, SmartSize(s.Size), s.OS)
}

// Plan is the ordered list of partitions applied to each disk.
type Plan []Spec

// OS returns the OS partition of the plan.
func (p Plan) OS() (Spec, bool) {
	for _, s := range p {
		if s.OS {
			return s, true
		}
	}
	return Spec{}, false
}

var (
	ErrNoOSPartition  = errors.New("plan has no OS partition")
	ErrDuplicateIndex = errors.New("duplicate partition index")
	ErrBootNotFirst   = errors.New("boot loader partition must be index 1")
	ErrOSNotLast      = errors.New("OS partition must be created last")
)

// Validate checks the plan invariants before any disk is touched.
func (p Plan) Validate() error {
	seen := map[int]bool{}
	osCount := 0
	for i, s := range p {
		if s.OS {
			osCount++
			if osCount > 1 {
				return &ProvisioningError{Kind: MultipleOSPartitions}
			}
			if i != len(p)-1 {
				return &ProvisioningError{Kind: InvalidPlan, Err: ErrOSNotLast}
			}
		}
		if seen[s.Index] {
			return &ProvisioningError{Kind: InvalidPlan, Err: fmt.Errorf("%w %d", ErrDuplicateIndex, s.Index)}
		}
		seen[s.Index] = true
		if s.Kind.BootLoader() && s.Index != 1 {
			return &ProvisioningError{Kind: InvalidPlan, Err: ErrBootNotFirst}
		}
	}
	os, ok := p.OS()
	if !ok {
		return &ProvisioningError{Kind: InvalidPlan, Err: ErrNoOSPartition}
	}
	for _, s := range p {
		if !s.OS && s.Index >= os.Index {
			return &ProvisioningError{Kind: InvalidPlan, Err: ErrOSNotLast}
		}
	}
	return nil
}

// BuildPlan lays out the boot loader partition at index 1, the extra
// partitions after it, and the OS partition last with the highest index.
// The OS partition takes the smallest free space across disks, rounded down
// to a whole GiB. Caller-supplied indexes of extra partitions are ignored.
func BuildPlan(ds []disks.Disk, efi bool, extra []Spec) (Plan, error) {
	if len(ds) == 0 {
		return nil, errors.New("no disks to plan for")
	}
	boot := Spec{Kind: KindBIOSBoot, Index: 1, Size: BIOSBootSize}
	if efi {
		boot = Spec{Kind: KindEFI, Index: 1, Size: EFISize}
	}
	plan := Plan{boot}
	used := boot.Size
	next := 2
	for _, s := range extra {
		s.Index = next
		s.OS = false
		plan = append(plan, s)
		used += s.Size
		next++
	}

	var minFree int64
	for _, d := range ds {
		free := d.Size - used
		if free < MinOSSize {
			return nil, &DiskTooSmallError{Disk: d.Name, Size: d.Size, Free: free}
		}
		if minFree == 0 || free < minFree {
			minFree = free
		}
	}
	plan = append(plan, Spec{Kind: KindOS, Index: next, Size: (minFree / GiB) * GiB, OS: true})
	return plan, nil
}

var sizeTable = []struct {
	suffix string
	limit  int64
	unit   int64
}{
	{"", KiB, 1},
	{"k", MiB, KiB},
	{"m", GiB, MiB},
	{"g", GiB << 10, GiB},
	{"t", -1, GiB << 10},
}

// SmartSize renders a byte count in the largest unit it reaches, rounding down.
func SmartSize(x int64) string {
	for _, s := range sizeTable {
		if s.limit < 0 || x < s.limit {
			return strconv.FormatInt(x/s.unit, 10) + s.suffix
		}
	}
	return strconv.FormatInt(x, 10)
}
