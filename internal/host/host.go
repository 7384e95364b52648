// Package host describes the machine the agent runs on. Jobs are stamped
// with this description when they are created.
package host

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	HardwarePhysical = "Physical"
	HardwareCloud    = "Cloud"
)

// Info is the host description copied onto every job.
type Info struct {
	Hardware        string `json:"hardware"`
	HardwareVersion string `json:"hardwareVersion"`
	OperatingSystem string `json:"operatingSystem"`
}

// Overrides replace probed values when set.
type Overrides struct {
	Hardware        string
	HardwareVersion string
}

// DMI sys_vendor prefixes reported by virtual machines of the major clouds.
var cloudVendors = []string{
	"amazon",
	"google",
	"microsoft corporation",
	"digitalocean",
	"hetzner",
	"openstack",
	"alibaba",
	"oracle",
}

func Probe(overrides Overrides) Info {
	return probeFrom("/sys", "/proc", runtime.GOOS, overrides)
}

func probeFrom(sysRoot, procRoot, goos string, overrides Overrides) Info {
	info := Info{
		Hardware:        overrides.Hardware,
		HardwareVersion: overrides.HardwareVersion,
		OperatingSystem: operatingSystem(goos),
	}

	if info.Hardware == "" {
		info.Hardware = classify(readSysfsString(filepath.Join(sysRoot, "class/dmi/id/sys_vendor")))
	}
	if info.HardwareVersion == "" {
		info.HardwareVersion = readCPUModel(filepath.Join(procRoot, "cpuinfo"))
	}
	if info.HardwareVersion == "" {
		info.HardwareVersion = runtime.GOARCH
	}

	return info
}

func classify(vendor string) string {
	vendor = strings.ToLower(vendor)
	for _, prefix := range cloudVendors {
		if strings.HasPrefix(vendor, prefix) {
			return HardwareCloud
		}
	}
	return HardwarePhysical
}

func operatingSystem(goos string) string {
	switch goos {
	case "windows":
		return "Windows"
	case "darwin":
		return "OSX"
	default:
		return "Linux"
	}
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readCPUModel extracts the first "model name" line from /proc/cpuinfo.
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
