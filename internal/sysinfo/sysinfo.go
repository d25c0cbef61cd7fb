// Package sysinfo probes the running system for the facts the installer
// branches on: serial console, hypervisor and memory.
package sysinfo

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/siderolabs/go-procfs/procfs"
	"github.com/siderolabs/go-smbios/smbios"
)

// HVMProduct is the SMBIOS product name reported by Xen HVM guests.
const HVMProduct = "HVM domU"

// ErrNoSerialConsole is returned when the system did not boot on a serial console.
var ErrNoSerialConsole = errors.New("not booted on a serial console")

// legacy x86 UART I/O ports.
var uartPorts = map[string]string{
	"ttyS0": "0x3f8",
	"ttyS1": "0x2f8",
	"ttyS2": "0x3e8",
	"ttyS3": "0x2e8",
}

// SerialConsole describes the serial console the system booted on. Port and
// Speed are empty when unknown.
type SerialConsole struct {
	Device string
	Port   string
	Speed  int
}

// Probe reads system facts. Each field is injectable for tests.
type Probe struct {
	// Cmdline defaults to /proc/cmdline.
	Cmdline *procfs.Cmdline
	// Product defaults to the SMBIOS system product name.
	Product func() (string, error)
	// Memory defaults to total physical memory.
	Memory func() (uint64, error)
}

// Serial returns the last serial console= argument of the kernel command line.
func (p *Probe) Serial() (SerialConsole, error) {
	cmdline := p.Cmdline
	if cmdline == nil {
		cmdline = procfs.ProcCmdline()
	}
	if cmdline == nil {
		return SerialConsole{}, ErrNoSerialConsole
	}
	values := cmdline.Get("console")
	if values == nil {
		return SerialConsole{}, ErrNoSerialConsole
	}
	var found *SerialConsole
	for i := 0; ; i++ {
		v := values.Get(i)
		if v == nil {
			break
		}
		if c, ok := parseConsole(*v); ok {
			found = &c
		}
	}
	if found == nil {
		return SerialConsole{}, ErrNoSerialConsole
	}
	return *found, nil
}

// parseConsole parses a console=ttyS<n>[,<baud>[<parity><bits>]] value.
func parseConsole(v string) (SerialConsole, bool) {
	dev, opts, _ := strings.Cut(v, ",")
	if !strings.HasPrefix(dev, "ttyS") {
		return SerialConsole{}, false
	}
	c := SerialConsole{Device: dev, Port: uartPorts[dev]}
	digits := strings.IndexFunc(opts, func(r rune) bool { return r < '0' || r > '9' })
	if digits < 0 {
		digits = len(opts)
	}
	if speed, err := strconv.Atoi(opts[:digits]); err == nil {
		c.Speed = speed
	}
	return c, true
}

// HVM reports whether the system is a Xen HVM guest.
func (p *Probe) HVM() (bool, error) {
	product := p.Product
	if product == nil {
		product = smbiosProduct
	}
	name, err := product()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(name) == HVMProduct, nil
}

// TotalMemory returns physical memory in bytes.
func (p *Probe) TotalMemory() (uint64, error) {
	if p.Memory != nil {
		return p.Memory()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func smbiosProduct() (string, error) {
	s, err := smbios.New()
	if err != nil {
		return "", err
	}
	return s.SystemInformation.ProductName, nil
}
