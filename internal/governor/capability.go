package governor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Tier is a coarse device performance class.
type Tier int

const (
	TierLow Tier = iota
	TierMid
	TierHigh
	TierFlagship
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	case TierFlagship:
		return "flagship"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Capabilities is what the platform layer reports about the device.
type Capabilities struct {
	TotalMemoryMB     int64  `json:"total_memory_mb"`
	AvailableMemoryMB int64  `json:"available_memory_mb"`
	Cores             int    `json:"cores"`
	Platform          string `json:"platform"`
}

// CapabilityDetector supplies Capabilities. Vendor specific calibration
// lives in implementations, never in the tier logic.
type CapabilityDetector interface {
	Detect(ctx context.Context) (Capabilities, error)
}

// StaticDetector returns fixed capabilities.
type StaticDetector Capabilities

func (d StaticDetector) Detect(context.Context) (Capabilities, error) {
	return Capabilities(d), nil
}

// LinuxDetector reads /proc/meminfo and the CPU count.
type LinuxDetector struct {
	MemInfoPath string
}

func (d LinuxDetector) Detect(ctx context.Context) (Capabilities, error) {
	c := Capabilities{Cores: runtime.NumCPU(), Platform: runtime.GOOS + "/" + runtime.GOARCH}
	path := d.MemInfoPath
	if path == "" {
		path = "/proc/meminfo"
	}
	info, err := readMemInfo(path)
	if err == nil {
		c.TotalMemoryMB = info["MemTotal"] / 1024
		c.AvailableMemoryMB = info["MemAvailable"] / 1024
		return c, nil
	}

	// Fallback to sysinfo when /proc is unavailable
	var si syscall.Sysinfo_t
	if serr := syscall.Sysinfo(&si); serr != nil {
		return c, fmt.Errorf("failed to read memory info: %w", err)
	}
	unit := int64(si.Unit)
	c.TotalMemoryMB = int64(si.Totalram) * unit / (1024 * 1024)
	c.AvailableMemoryMB = int64(si.Freeram) * unit / (1024 * 1024)
	return c, nil
}

// readMemInfo parses a meminfo file into kB values keyed by field name.
func readMemInfo(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]int64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if kb, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			out[key] = kb
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if _, ok := out["MemTotal"]; !ok {
		return nil, fmt.Errorf("%s has no MemTotal", path)
	}
	return out, nil
}

// Classify maps capabilities to a tier using total memory and core count.
func Classify(c Capabilities) Tier {
	mem := c.TotalMemoryMB
	switch {
	case mem >= 10*1024 && c.Cores >= 8:
		return TierFlagship
	case mem >= 6*1024 && c.Cores >= 6:
		return TierHigh
	case mem >= 3*1024 && c.Cores >= 4:
		return TierMid
	}
	return TierLow
}

// TierDefaults are the processing parameters a tier starts from.
type TierDefaults struct {
	Frames   int
	TileSize int
	Threads  int
	// BudgetScale multiplies preset wall-clock budgets.
	BudgetScale float64
}

func (t Tier) Defaults(cores int) TierDefaults {
	cores = max(1, cores)
	switch t {
	case TierFlagship:
		return TierDefaults{Frames: 12, TileSize: 512, Threads: cores, BudgetScale: 1}
	case TierHigh:
		return TierDefaults{Frames: 10, TileSize: 384, Threads: max(1, cores*3/4), BudgetScale: 1.5}
	case TierMid:
		return TierDefaults{Frames: 8, TileSize: 256, Threads: max(1, cores/2), BudgetScale: 2}
	}
	return TierDefaults{Frames: 6, TileSize: 192, Threads: min(2, cores), BudgetScale: 3}
}
