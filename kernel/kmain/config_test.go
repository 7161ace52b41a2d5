package kmain

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"matrixos/kernel"
	"matrixos/kernel/kfmt"
)

func TestDefaultConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected the default configuration to be valid; got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, contents string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("partial override", func(t *testing.T) {
		path := writeFile("partial.json", `{"heap_initial_size": 2097152, "cores": 2}`)

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatal(err)
		}

		exp := DefaultConfig()
		exp.HeapInitialSize = 0x200000
		exp.Cores = 2
		if cfg != exp {
			t.Fatalf("expected config:\n%+v\ngot:\n%+v", exp, cfg)
		}
	})

	specs := []struct {
		descr    string
		path     string
		errMatch string
	}{
		{"missing file", filepath.Join(dir, "missing.json"), "opening config file"},
		{"malformed json", writeFile("bad.json", `{"cores": `), "decoding config file"},
		{"unknown field", writeFile("unknown.json", `{"swap_file": "/tmp/swap"}`), "decoding config file"},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := LoadConfig(spec.path)
			if err == nil || !strings.Contains(err.Error(), spec.errMatch) {
				t.Fatalf("expected error containing %q; got %v", spec.errMatch, err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	specs := []struct {
		descr  string
		mutate func(*Config)
		expErr *kernel.Error
	}{
		{"defaults", func(*Config) {}, nil},
		{"no cores", func(c *Config) { c.Cores = 0 }, errInvalidConfig},
		{"too many cores", func(c *Config) { c.Cores = 9 }, errInvalidConfig},
		{"unaligned heap", func(c *Config) { c.HeapStart += 0x10 }, errInvalidConfig},
		{"initial below minimum", func(c *Config) { c.HeapMinSize = c.HeapInitialSize + 0x1000 }, errInvalidConfig},
		{"initial above maximum", func(c *Config) { c.HeapMaxSize = c.HeapInitialSize - 0x1000 }, errInvalidConfig},
		{"heap past 4GiB", func(c *Config) { c.HeapMaxSize = 0x40000000 + 0x1000 }, errInvalidConfig},
		{"kernel overlaps heap", func(c *Config) { c.KernelEnd = c.HeapStart }, errInvalidConfig},
		{"unaligned device window", func(c *Config) { c.DeviceWindowEnd -= 0x10 }, errInvalidConfig},
		{"empty device window", func(c *Config) { c.DeviceWindowEnd = c.DeviceWindowStart }, errInvalidConfig},
		{"device window overlaps heap", func(c *Config) { c.DeviceWindowStart = c.HeapStart + 0x1000 }, errInvalidConfig},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cfg := DefaultConfig()
			spec.mutate(&cfg)

			if err := cfg.Validate(); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestApplyCmdLine(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	cfg := DefaultConfig().ApplyCmdLine(map[string]string{
		"heap_initial": "0x200000",
		"heap_min":     "131072",
		"heap_max":     "bogus",
		"cores":        "4",
		"consoleFont":  "terminus",
	})

	exp := DefaultConfig()
	exp.HeapInitialSize = 0x200000
	exp.HeapMinSize = 0x20000
	exp.Cores = 4
	if cfg != exp {
		t.Fatalf("expected config:\n%+v\ngot:\n%+v", exp, cfg)
	}

	if expOut := "[kmain] ignoring malformed boot option heap_max=bogus\n"; !strings.Contains(buf.String(), expOut) {
		t.Fatalf("expected output to contain %q; got %q", expOut, buf.String())
	}
}
