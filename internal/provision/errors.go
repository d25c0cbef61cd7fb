package provision

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrorKind classifies provisioning failures.
type ErrorKind int

const (
	PartitionCommandFailed ErrorKind = iota
	MultipleOSPartitions
	PoolCreateFailed
	InvalidPlan
)

func (k ErrorKind) String() string {
	switch k {
	case MultipleOSPartitions:
		return "multiple OS partitions"
	case PoolCreateFailed:
		return "pool create failed"
	case InvalidPlan:
		return "invalid partition plan"
	default:
		return "partition command failed"
	}
}

// ProvisioningError reports a failure while laying out disks or creating the pool.
type ProvisioningError struct {
	Kind    ErrorKind
	Command string
	Err     error
}

func (e *ProvisioningError) Error() string {
	msg := "provisioning: " + e.Kind.String()
	if e.Command != "" {
		msg += fmt.Sprintf(" (%s)", e.Command)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// DiskTooSmallError means a disk has less than MinOSSize left after the fixed partitions.
type DiskTooSmallError struct {
	Disk string
	Size int64
	Free int64
}

func (e *DiskTooSmallError) Error() string {
	if e.Free < 0 {
		return fmt.Sprintf("disk %s is too small (%s): no free space after the other partitions",
			e.Disk, humanize.IBytes(uint64(e.Size)))
	}
	return fmt.Sprintf("disk %s is too small (%s): free space is %s, minimum is 1 GiB",
		e.Disk, humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Free)))
}
