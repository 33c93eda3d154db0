package fingerprint

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSource queries the local machine through gopsutil
type HostSource struct{}

// NewHostSource returns the platform Source
func NewHostSource() *HostSource {
	return &HostSource{}
}

// DiskID returns the serial number (or label) of the first physical disk
func (HostSource) DiskID(ctx context.Context) Attribute {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return Unknown()
	}
	for _, p := range partitions {
		if p.Device == "" {
			continue
		}
		if serial, err := disk.SerialNumberWithContext(ctx, p.Device); err == nil && strings.TrimSpace(serial) != "" {
			return Known(serial)
		}
		if label, err := disk.LabelWithContext(ctx, p.Device); err == nil && strings.TrimSpace(label) != "" {
			return Known(label)
		}
	}
	return Unknown()
}

// Hostname returns the machine name
func (HostSource) Hostname(ctx context.Context) Attribute {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Hostname != "" {
		return Known(info.Hostname)
	}
	return FromQuery(os.Hostname())
}

// UserName returns the login name of the user running the process
func (HostSource) UserName(ctx context.Context) Attribute {
	u, err := user.Current()
	if err != nil {
		return Unknown()
	}
	return Known(u.Username)
}

// SystemType returns the kernel architecture, e.g. x86_64
func (HostSource) SystemType(ctx context.Context) Attribute {
	arch, err := host.KernelArch()
	if err != nil {
		return Unknown()
	}
	return Known(arch)
}

// CPUID returns the processor signature of the first CPU
func (HostSource) CPUID(ctx context.Context) Attribute {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		return Unknown()
	}
	c := infos[0]
	if c.VendorID == "" && c.ModelName == "" {
		return Unknown()
	}
	return Known(fmt.Sprintf("%s-%s-%s-%d", c.VendorID, c.Family, c.Model, c.Stepping))
}

// TotalPhysicalMemory returns the installed memory in bytes
func (HostSource) TotalPhysicalMemory(ctx context.Context) Attribute {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm.Total == 0 {
		return Unknown()
	}
	return Known(strconv.FormatUint(vm.Total, 10))
}
