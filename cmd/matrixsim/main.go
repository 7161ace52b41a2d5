package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"matrixos/kernel/kfmt"
	"matrixos/kernel/kmain"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/vmm"
)

const (
	userStackTop = uintptr(0xbffff000)
	faultAddr    = uintptr(0xdeadb000)
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[matrixsim] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	configPath := flag.String("config", "", "a JSON file with the memory layout configuration")
	memMb := flag.Uint64("mem", 0, "physical memory size in MiB (overrides the config)")
	cmdLine := flag.String("cmdline", "", "the boot command line passed to the kernel")
	tag := flag.Bool("tag", false, "prefix every output line with [matrixsim]")
	screen := flag.Bool("screen", false, "dump the simulated text console before exiting")
	fault := flag.Bool("fault", false, "access an unmapped address after the demo to trigger a fatal page fault")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "matrixsim: boot the simulated memory subsystem and run a fork scenario\n\n")
		fmt.Fprint(os.Stderr, "Usage: matrixsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := kmain.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kmain.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *memMb != 0 {
		cfg.MemorySize = *memMb * uint64(mm.Mb)
	}

	var stdout io.Writer = os.Stdout
	if *tag {
		stdout = kfmt.NewPrefixWriter(os.Stdout, "matrixsim")
	}
	kfmt.SetOutputSink(stdout)

	sys, err := kmain.Boot(kmain.BootInfo(cfg.MemorySize, *cmdLine), cfg)
	if err != nil {
		return err
	}

	vt, err := sys.AttachConsole()
	if err != nil {
		return err
	}
	kfmt.SetOutputSink(io.MultiWriter(stdout, vt))

	if err := runForkScenario(sys); err != nil {
		return err
	}
	sys.PrintStats()

	if *screen {
		dumpScreen(sys)
	}

	if *fault {
		var buf [4]byte
		kfmt.Printf("[matrixsim] reading from unmapped address 0x%08x\n", faultAddr)
		_ = sys.BootCore().Load(faultAddr, buf[:])
	}

	if err := sys.Shutdown(); err != nil {
		return err
	}
	return nil
}

// runForkScenario clones a process from the kernel, gives it a user stack,
// forks it and checks that writes made by the child are not visible to the
// parent.
func runForkScenario(sys *kmain.System) error {
	var (
		core       = sys.BootCore()
		mgr        = sys.VMM
		freeBefore = sys.Frames.FreeFrames()
	)

	parent, err := mgr.Clone(mgr.Kernel())
	if err != nil {
		return err
	}
	if err = parent.Map(userStackTop, mm.PageSize, vmm.MapRead|vmm.MapWrite|vmm.MapUser); err != nil {
		return err
	}

	if err = mgr.Switch(core, parent); err != nil {
		return err
	}
	if err = core.Store(userStackTop, []byte("parent")); err != nil {
		return err
	}

	child, err := mgr.Clone(parent)
	if err != nil {
		return err
	}
	kfmt.Printf("[matrixsim] forked: parent directory at frame %d, child directory at frame %d\n",
		parent.DirectoryFrame(), child.DirectoryFrame())

	if err = mgr.Switch(core, child); err != nil {
		return err
	}
	if err = core.Store(userStackTop, []byte("child!")); err != nil {
		return err
	}

	if err = mgr.Switch(core, parent); err != nil {
		return err
	}
	var msg [6]byte
	if err = core.Load(userStackTop, msg[:]); err != nil {
		return err
	}
	if !bytes.Equal(msg[:], []byte("parent")) {
		return fmt.Errorf("parent stack was modified by the child: %q", msg[:])
	}
	kfmt.Printf("[matrixsim] parent stack still reads %q after the child wrote to its copy\n", msg[:])

	if err = mgr.Switch(core, mgr.Kernel()); err != nil {
		return err
	}
	mgr.Destroy(child)
	mgr.Destroy(parent)

	kfmt.Printf("[matrixsim] processes destroyed; %d frames free (%d before the fork)\n", sys.Frames.FreeFrames(), freeBefore)
	return nil
}

// dumpScreen prints the contents of the simulated text console.
func dumpScreen(sys *kmain.System) {
	width, height := sys.Console.Dimensions()
	line := make([]byte, width)

	fmt.Println("+" + strings.Repeat("-", int(width)) + "+")
	for y := uint16(0); y < height; y++ {
		for x := uint16(0); x < width; x++ {
			line[x], _ = sys.Console.Read(x, y)
		}
		fmt.Println("|" + string(line) + "|")
	}
	fmt.Println("+" + strings.Repeat("-", int(width)) + "+")
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
