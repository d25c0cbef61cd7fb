package disks

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
)

// MdstatPath is where the kernel reports md array membership.
var MdstatPath = "/proc/mdstat"

// Membership is one partition of a disk that belongs to an md mirror.
type Membership struct {
	Array  string
	Member string
}

var memberRe = regexp.MustCompile(`^([A-Za-z0-9_\-]+)\[\d+\]`)

// ParseMdstat maps each md array to its member device names.
func ParseMdstat(r io.Reader) map[string][]string {
	out := map[string][]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "md") {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		array := strings.TrimSpace(name)
		for _, f := range strings.Fields(rest) {
			if m := memberRe.FindStringSubmatch(f); m != nil {
				out[array] = append(out[array], m[1])
			}
		}
	}
	return out
}

// Memberships returns the md arrays that hold a partition of disk.
// A missing mdstat (no md driver) yields no memberships.
func Memberships(disk Disk) ([]Membership, error) {
	f, err := os.Open(MdstatPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return membershipsOf(disk.Name, ParseMdstat(f)), nil
}

func membershipsOf(disk string, arrays map[string][]string) []Membership {
	var out []Membership
	for array, members := range arrays {
		for _, m := range members {
			if m == disk || (strings.HasPrefix(m, disk) && partIndex(disk, m) > 0) {
				out = append(out, Membership{Array: array, Member: m})
			}
		}
	}
	return out
}
