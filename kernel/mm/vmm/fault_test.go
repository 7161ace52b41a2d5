package vmm

import (
	"bytes"
	"strings"
	"testing"

	"matrixos/kernel/cpu"
	"matrixos/kernel/gate"
	"matrixos/kernel/kfmt"
)

func TestInstallFaultHandlers(t *testing.T) {
	defer func() {
		handleInterruptFn = gate.HandleInterrupt
	}()

	registered := make(map[gate.InterruptNumber]bool)
	handleInterruptFn = func(num gate.InterruptNumber, handler gate.Handler) {
		registered[num] = handler != nil
	}

	env := newTestEnv(t, 16<<20, 4<<20)
	InstallFaultHandlers(env.mgr)

	for _, num := range []gate.InterruptNumber{gate.PageFaultException, gate.GPFException} {
		if !registered[num] {
			t.Errorf("expected a handler for interrupt %d", num)
		}
	}
}

func TestPageFaultHandler(t *testing.T) {
	defer func() {
		gate.HandleInterrupt(gate.PageFaultException, nil)
		gate.HandleInterrupt(gate.GPFException, nil)
		kfmt.SetOutputSink(nil)
	}()

	env := newTestEnv(t, 16<<20, 4<<20)
	got := mockPanic(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	core := env.newCore(t, 0)
	core.State.EIP = 0x08048123
	gate.Attach(core)
	InstallFaultHandlers(env.mgr)

	as, _ := env.mgr.Create()
	if err := as.Map(0x40000000, 1, MapRead); err != nil {
		t.Fatal(err)
	}
	_ = env.mgr.Switch(core, as)

	core.SetWriteProtect(true)
	if err := core.Store(0x40000010, []byte{1}); err != cpu.ErrPageFault {
		t.Fatalf("expected the access to fail with ErrPageFault; got %v", err)
	}

	if *got != errUnrecoverableFault {
		t.Fatalf("expected page fault to be fatal; got %v", *got)
	}

	out := buf.String()
	for _, exp := range []string{
		"Page fault while accessing address: 0x40000010",
		"Reason: write to protected page in supervisor-mode",
		"Address space: process",
		"PDE[ 256] = ",
		"PTE[   0] = ",
		"EIP = 08048123",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected fault dump to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestGeneralProtectionFaultHandler(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	env := newTestEnv(t, 16<<20, 4<<20)
	got := mockPanic(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	env.mgr.generalProtectionFaultHandler(env.newCore(t, 0), &gate.Registers{})

	if *got != errUnrecoverableFault {
		t.Fatalf("expected GPF to be fatal; got %v", *got)
	}
	if exp := "General protection fault"; !strings.Contains(buf.String(), exp) {
		t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
	}
}

func TestDecodeFaultCode(t *testing.T) {
	specs := []struct {
		code uint32
		exp  string
	}{
		{0, "read from non-present page in supervisor-mode"},
		{cpu.FaultPresent, "read from protected page in supervisor-mode"},
		{cpu.FaultWrite, "write to non-present page in supervisor-mode"},
		{cpu.FaultWrite | cpu.FaultPresent | cpu.FaultUser, "write to protected page in user-mode"},
		{cpu.FaultFetch | cpu.FaultUser, "instruction fetch from non-present page in user-mode"},
		{cpu.FaultReserved | cpu.FaultPresent, "read from protected page in supervisor-mode (reserved bit set)"},
	}

	for specIndex, spec := range specs {
		if got := decodeFaultCode(spec.code); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestDumpMappingWithoutAddressSpace(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	env := newTestEnv(t, 16<<20, 4<<20)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	env.mgr.dumpMapping(env.newCore(t, 3), 0x1000)
	if exp := "Address space: none"; !strings.Contains(buf.String(), exp) {
		t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
	}
}
