package fingerprint

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"
)

// Canonical component names. The master hash is computed over this fixed
// order regardless of which probes a host registers.
const (
	ComponentCPU       = "cpu"
	ComponentMemory    = "memory"
	ComponentScreen    = "screen"
	ComponentTimezone  = "timezone"
	ComponentLocale    = "locale"
	ComponentGraphics  = "graphics"
	ComponentCanvas    = "canvas"
	ComponentAudio     = "audio"
	ComponentStorage   = "storage"
	ComponentUserAgent = "useragent"
	ComponentPlatform  = "platform"
)

// componentOrder fixes the combination order for the master hash.
var componentOrder = []string{
	ComponentCPU,
	ComponentMemory,
	ComponentScreen,
	ComponentTimezone,
	ComponentLocale,
	ComponentGraphics,
	ComponentCanvas,
	ComponentAudio,
	ComponentStorage,
	ComponentUserAgent,
	ComponentPlatform,
}

// Sentinel is hashed in place of a probe's output when the probe is missing,
// fails or times out. Generation never fails outright; it only loses
// confidence.
const Sentinel = "unavailable"

// Probe is a single device sensor. Implementations return the raw signal
// value; the generator hashes it into a component hash. A probe must honor
// context cancellation.
type Probe interface {
	Name() string
	Run(ctx context.Context) (string, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

// NewProbe creates a Probe from a name and function.
func NewProbe(name string, fn func(ctx context.Context) (string, error)) *ProbeFunc {
	return &ProbeFunc{name: name, fn: fn}
}

// Name returns the canonical component name this probe feeds.
func (p *ProbeFunc) Name() string { return p.name }

// Run executes the probe.
func (p *ProbeFunc) Run(ctx context.Context) (string, error) { return p.fn(ctx) }

// HostProbes returns the default probe set for a server/desktop host. Probes
// without a host analog (graphics, canvas, audio, storage) are not included;
// hosts with those sensors register their own implementations.
func HostProbes() []Probe {
	return []Probe{
		NewProbe(ComponentCPU, probeCPU),
		NewProbe(ComponentMemory, probeMemory),
		NewProbe(ComponentTimezone, probeTimezone),
		NewProbe(ComponentLocale, probeLocale),
		NewProbe(ComponentUserAgent, probeUserAgent),
		NewProbe(ComponentPlatform, probePlatform),
	}
}

func probeCPU(_ context.Context) (string, error) {
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				return strings.TrimSpace(line), nil
			}
		}
	}
	if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
		return procID, nil
	}
	return fmt.Sprintf("%s-%s-%d", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()), nil
}

func probeMemory(_ context.Context) (string, error) {
	total := hostMemoryBytes()
	if total <= 0 {
		return "", fmt.Errorf("total memory not reported")
	}
	return fmt.Sprintf("mem:%d", total), nil
}

func probeTimezone(_ context.Context) (string, error) {
	name, offset := time.Now().Zone()
	return fmt.Sprintf("%s:%d", name, offset), nil
}

func probeLocale(_ context.Context) (string, error) {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("locale not set")
}

// probeUserAgent builds a host identity string in place of a browser user
// agent: hostname plus the primary MAC address.
func probeUserAgent(_ context.Context) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	mac := primaryMAC()
	if mac == "" {
		return hostname, nil
	}
	return hostname + "|" + mac, nil
}

func probePlatform(_ context.Context) (string, error) {
	return runtime.GOOS + "-" + runtime.GOARCH, nil
}

// primaryMAC returns the MAC address of the first up, non-loopback interface,
// or the first interface with any hardware address as a fallback.
func primaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}

// hostMemoryBytes reports total physical memory, or 0 when the platform does
// not expose it.
func hostMemoryBytes() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		var kb int64
		if _, err := fmt.Sscanf(fields[1], "%d", &kb); err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
