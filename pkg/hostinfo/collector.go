// Package hostinfo gathers the identity facts an agent sends when it
// registers and heartbeats.
package hostinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// OS types accepted by the server.
const (
	OSWindows       = "windows"
	OSWindowsServer = "windows_server"
	OSUbuntu        = "ubuntu"
	OSDebian        = "debian"
	OSProxmox       = "proxmox"
	OSRHEL          = "rhel"
	OSCentOS        = "centos"
	OSMacOS         = "macos"
	OSOther         = "other"
)

// AllowedOSTypes is the closed set of os_type values.
var AllowedOSTypes = []string{
	OSWindows, OSWindowsServer, OSUbuntu, OSDebian, OSProxmox, OSRHEL, OSCentOS, OSMacOS, OSOther,
}

// ValidOSType reports whether s is in AllowedOSTypes.
func ValidOSType(s string) bool {
	for _, v := range AllowedOSTypes {
		if v == s {
			return true
		}
	}
	return false
}

// Facts is a point-in-time host description. Errors maps probe name to the
// failure it hit; the remaining fields are still usable.
type Facts struct {
	Hostname        string
	OSType          string
	OSVersion       string
	OSDescription   string
	HardwareSummary string
	CollectedAt     time.Time
	Errors          map[string]string
}

type Collector struct {
	timeout time.Duration

	hostname func() (string, error)
	hostInfo func(context.Context) (*host.InfoStat, error)
	cpuInfo  func(context.Context) ([]cpu.InfoStat, error)
	cpuCount func(context.Context, bool) (int, error)
	memInfo  func(context.Context) (*mem.VirtualMemoryStat, error)
}

func NewCollector(timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Collector{
		timeout:  timeout,
		hostname: os.Hostname,
		hostInfo: host.InfoWithContext,
		cpuInfo:  cpu.InfoWithContext,
		cpuCount: cpu.CountsWithContext,
		memInfo:  mem.VirtualMemoryWithContext,
	}
}

// Collect runs every probe in parallel under the collector timeout.
func (c *Collector) Collect(ctx context.Context) Facts {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	facts := Facts{CollectedAt: time.Now().UTC(), OSType: OSOther}
	if name, err := c.hostname(); err == nil {
		facts.Hostname = name
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		errs   = map[string]string{}
		hw     hardware
		hostIS *host.InfoStat
	)
	record := func(probe string, err error) {
		mu.Lock()
		errs[probe] = err.Error()
		mu.Unlock()
	}

	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"host", func(ctx context.Context) error {
			info, err := c.hostInfo(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			hostIS = info
			mu.Unlock()
			return nil
		}},
		{"cpu", func(ctx context.Context) error {
			infos, err := c.cpuInfo(ctx)
			if err != nil {
				return err
			}
			count, err := c.cpuCount(ctx, true)
			if err != nil {
				return err
			}
			mu.Lock()
			hw.cores = count
			if len(infos) > 0 {
				hw.model = strings.TrimSpace(infos[0].ModelName)
			}
			mu.Unlock()
			return nil
		}},
		{"memory", func(ctx context.Context) error {
			vm, err := c.memInfo(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			hw.memBytes = vm.Total
			mu.Unlock()
			return nil
		}},
	}

	for _, probe := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					record(name, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx); err != nil {
				record(name, err)
			}
		}(probe.name, probe.fn)
	}
	wg.Wait()

	if hostIS != nil {
		if facts.Hostname == "" {
			facts.Hostname = hostIS.Hostname
		}
		facts.OSType = MapOSType(hostIS.OS, hostIS.Platform, hostIS.PlatformFamily, hostIS.KernelVersion)
		facts.OSVersion = hostIS.PlatformVersion
		facts.OSDescription = describe(hostIS)
	} else {
		facts.OSType = MapOSType(runtime.GOOS, "", "", "")
		facts.OSDescription = runtime.GOOS + "/" + runtime.GOARCH
	}
	facts.HardwareSummary = hw.String()
	if len(errs) > 0 {
		facts.Errors = errs
	}
	return facts
}

// MapOSType folds gopsutil's platform strings into AllowedOSTypes.
func MapOSType(goos, platform, family, kernel string) string {
	platform = strings.ToLower(platform)
	family = strings.ToLower(family)
	switch goos {
	case "windows":
		if strings.Contains(family, "server") || strings.Contains(platform, "server") {
			return OSWindowsServer
		}
		return OSWindows
	case "darwin":
		return OSMacOS
	case "linux":
		if strings.Contains(strings.ToLower(kernel), "-pve") || strings.Contains(platform, "proxmox") {
			return OSProxmox
		}
		switch platform {
		case "ubuntu":
			return OSUbuntu
		case "debian":
			return OSDebian
		case "centos":
			return OSCentOS
		case "redhat", "rhel":
			return OSRHEL
		}
		if family == "rhel" {
			return OSRHEL
		}
		if family == "debian" {
			return OSDebian
		}
	}
	return OSOther
}

func describe(info *host.InfoStat) string {
	name := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	if name == "" {
		name = info.OS
	}
	if info.KernelVersion != "" {
		return fmt.Sprintf("%s (%s %s, %s)", name, info.OS, info.KernelVersion, info.KernelArch)
	}
	return name
}

type hardware struct {
	model    string
	cores    int
	memBytes uint64
}

func (h hardware) String() string {
	var parts []string
	if h.cores > 0 {
		cpuDesc := fmt.Sprintf("%d CPU", h.cores)
		if h.model != "" {
			cpuDesc += " x " + h.model
		}
		parts = append(parts, cpuDesc)
	}
	if h.memBytes > 0 {
		parts = append(parts, fmt.Sprintf("%.1f GiB RAM", float64(h.memBytes)/(1<<30)))
	}
	return strings.Join(parts, ", ")
}
