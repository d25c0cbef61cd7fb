package disks

// EFISystemGUID is the GPT partition type of an EFI system partition.
const EFISystemGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

// Raw JSON representation from lsblk --bytes --json.
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	KName      string      `json:"kname"`
	Path       string      `json:"path"`
	Size       any         `json:"size"`
	Rota       any         `json:"rota,omitempty"`
	Type       string      `json:"type"`
	Vendor     string      `json:"vendor,omitempty"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	FSType     string      `json:"fstype,omitempty"`
	PartType   string      `json:"parttype,omitempty"`
	RM         any         `json:"rm,omitempty"`
	Children   []rawDevice `json:"children,omitempty"`
}

// Partition is one existing partition of a Disk.
type Partition struct {
	Index      int
	Name       string
	Path       string
	TypeGUID   string
	Size       int64
	FSType     string
	Mountpoint string
}

// Disk is a snapshot of a whole block device taken at selection time.
type Disk struct {
	Name        string
	Path        string
	Size        int64
	Description string
	Serial      string
	SolidState  bool
	Removable   bool
	Mountpoint  string
	FSType      string
	Partitions  []Partition
}

// PartitionPath returns the device path of partition index on this disk.
func (d Disk) PartitionPath(index int) string {
	return PartitionPath(d.Path, index)
}

// Partition returns the existing partition with the given index.
func (d Disk) Partition(index int) (Partition, bool) {
	for _, p := range d.Partitions {
		if p.Index == index {
			return p, true
		}
	}
	return Partition{}, false
}

// Mounted reports whether the disk or any of its partitions is mounted.
func (d Disk) Mounted() bool {
	if d.Mountpoint != "" {
		return true
	}
	for _, p := range d.Partitions {
		if p.Mountpoint != "" {
			return true
		}
	}
	return false
}
