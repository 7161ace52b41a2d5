package kmain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"matrixos/kernel"
	"matrixos/kernel/cpu"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
)

var errInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid memory layout configuration"}

// Config describes the memory layout used when booting the memory subsystem.
type Config struct {
	// MemorySize is the amount of physical memory advertised in the
	// boot information built by the simulator.
	MemorySize uint64 `json:"memory_size"`

	// KernelEnd is the physical address where the kernel image ends.
	// Placement allocations start at KernelEnd or at the end of the last
	// boot module, whichever is higher.
	KernelEnd uintptr `json:"kernel_end"`

	HeapStart       uintptr `json:"heap_start"`
	HeapInitialSize uintptr `json:"heap_initial_size"`
	HeapMinSize     uintptr `json:"heap_min_size"`
	HeapMaxSize     uintptr `json:"heap_max_size"`

	// The device window is the kernel virtual range that MapRegion
	// hands out.
	DeviceWindowStart uintptr `json:"device_window_start"`
	DeviceWindowEnd   uintptr `json:"device_window_end"`

	Cores int `json:"cores"`
}

// DefaultConfig returns the default memory layout.
func DefaultConfig() Config {
	return Config{
		MemorySize:        uint64(32 * mm.Mb),
		KernelEnd:         0x200000,
		HeapStart:         0xc0000000,
		HeapInitialSize:   0x100000,
		HeapMinSize:       0x70000,
		HeapMaxSize:       0x0ffff000,
		DeviceWindowStart: 0xff000000,
		DeviceWindowEnd:   0xffc00000,
		Cores:             1,
	}
}

// LoadConfig reads a JSON configuration file. Fields missing from the file
// keep their default values.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return cfg, fmt.Errorf("resolving config path: %v", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return cfg, fmt.Errorf("opening config file %s: %v", absPath, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config file %s: %v", absPath, err)
	}

	return cfg, nil
}

// Validate checks that the configured ranges are page-aligned, fit in the
// 32-bit address space and do not overlap.
func (cfg Config) Validate() *kernel.Error {
	heapEnd := uint64(cfg.HeapStart) + uint64(cfg.HeapMaxSize)

	switch {
	case cfg.Cores < 1 || cfg.Cores > cpu.MaxCores:
		return errInvalidConfig
	case mm.PageOffset(cfg.HeapStart) != 0 || cfg.HeapStart == 0:
		return errInvalidConfig
	case cfg.HeapMinSize > cfg.HeapInitialSize || cfg.HeapInitialSize > cfg.HeapMaxSize:
		return errInvalidConfig
	case heapEnd > mm.AddressSpaceSize:
		return errInvalidConfig
	case cfg.KernelEnd >= cfg.HeapStart:
		return errInvalidConfig
	case mm.PageOffset(cfg.DeviceWindowStart) != 0 || mm.PageOffset(cfg.DeviceWindowEnd) != 0:
		return errInvalidConfig
	case cfg.DeviceWindowStart >= cfg.DeviceWindowEnd:
		return errInvalidConfig
	case uint64(cfg.DeviceWindowStart) < heapEnd && cfg.DeviceWindowEnd > cfg.HeapStart:
		return errInvalidConfig
	}

	return nil
}

// ApplyCmdLine overrides configuration values with the ones supplied on the
// boot command line. Recognized keys are heap_initial, heap_min, heap_max
// and cores; numbers may be given in decimal or with a 0x prefix. Malformed
// values are reported and ignored.
func (cfg Config) ApplyCmdLine(cmdLine map[string]string) Config {
	for k, v := range cmdLine {
		var target *uintptr
		switch k {
		case "heap_initial":
			target = &cfg.HeapInitialSize
		case "heap_min":
			target = &cfg.HeapMinSize
		case "heap_max":
			target = &cfg.HeapMaxSize
		case "cores":
			n, err := strconv.ParseUint(v, 0, 8)
			if err != nil {
				kfmt.Printf("[kmain] ignoring malformed boot option %s=%s\n", k, v)
				continue
			}
			cfg.Cores = int(n)
			continue
		default:
			continue
		}

		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			kfmt.Printf("[kmain] ignoring malformed boot option %s=%s\n", k, v)
			continue
		}
		*target = uintptr(n)
	}

	return cfg
}
