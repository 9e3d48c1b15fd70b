package governor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ErrNoSensor means no temperature source could be read.
var ErrNoSensor = errors.New("no thermal sensor available")

// MemoryUsage is process usage against the budget it must stay under.
type MemoryUsage struct {
	UsedBytes  uint64
	LimitBytes uint64
}

func (m MemoryUsage) Fraction() float64 {
	if m.LimitBytes == 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.LimitBytes)
}

type MemorySensor interface {
	Memory() (MemoryUsage, error)
}

type ThermalSensor interface {
	// Temperature returns degrees Celsius.
	Temperature() (float64, error)
}

// MemoryFunc adapts a function to MemorySensor.
type MemoryFunc func() (MemoryUsage, error)

func (f MemoryFunc) Memory() (MemoryUsage, error) { return f() }

// ThermalFunc adapts a function to ThermalSensor.
type ThermalFunc func() (float64, error)

func (f ThermalFunc) Temperature() (float64, error) { return f() }

// RuntimeMemory reports Go heap usage against a fixed limit, typically a
// share of device memory.
type RuntimeMemory struct {
	LimitBytes uint64
}

func (r RuntimeMemory) Memory() (MemoryUsage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryUsage{UsedBytes: ms.HeapInuse + ms.StackInuse, LimitBytes: r.LimitBytes}, nil
}

// SysfsThermal reads the hottest thermal zone and falls back to the
// battery temperature.
type SysfsThermal struct {
	// Root defaults to /sys/class.
	Root string
}

func (s SysfsThermal) root() string {
	if s.Root == "" {
		return "/sys/class"
	}
	return s.Root
}

func (s SysfsThermal) Temperature() (float64, error) {
	zones, _ := filepath.Glob(filepath.Join(s.root(), "thermal", "thermal_zone*", "temp"))
	best, found := 0.0, false
	for _, z := range zones {
		v, err := readNumber(z)
		if err != nil || v <= 0 {
			continue
		}
		// millidegrees
		c := v / 1000
		if !found || c > best {
			best, found = c, true
		}
	}
	if found {
		return best, nil
	}

	batteries, _ := filepath.Glob(filepath.Join(s.root(), "power_supply", "*", "temp"))
	for _, b := range batteries {
		v, err := readNumber(b)
		if err != nil {
			continue
		}
		// tenths of a degree
		return v / 10, nil
	}
	return 0, ErrNoSensor
}

func readNumber(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}
