package gate

import (
	"bytes"
	"strings"
	"testing"

	"matrixos/kernel/cpu"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
)

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		State: cpu.State{
			EAX: 1, EBX: 2, ECX: 3, EDX: 4,
			ESI: 5, EDI: 6, EBP: 7, ESP: 8,
			EIP: 0xc0001000, EFlags: 0x200, CS: 0x8, SS: 0x10,
		},
	}

	exp := "EAX = 00000001 EBX = 00000002\nECX = 00000003 EDX = 00000004\nESI = 00000005 EDI = 00000006\nEBP = 00000007\n\nEIP = c0001000 CS  = 00000008\nESP = 00000008 SS  = 00000010\nEFL = 00000200\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestDispatch(t *testing.T) {
	defer HandleInterrupt(GPFException, nil)

	if Dispatch(nil, GPFException, &Registers{}) {
		t.Fatal("expected Dispatch to return false when no handler is registered")
	}

	var gotInfo uint32
	HandleInterrupt(GPFException, func(_ cpu.Arch, regs *Registers) {
		gotInfo = regs.Info
	})

	if !Dispatch(nil, GPFException, &Registers{Info: 0x42}) {
		t.Fatal("expected Dispatch to return true")
	}
	if gotInfo != 0x42 {
		t.Fatalf("expected handler to receive error code 0x42; got 0x%x", gotInfo)
	}
}

func TestAttach(t *testing.T) {
	defer func() {
		HandleInterrupt(PageFaultException, nil)
		kfmt.SetOutputSink(nil)
	}()

	mem, err := physmem.New(mm.Size(4 * mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Release()

	core, err := cpu.NewSimulated(0, mem)
	if err != nil {
		t.Fatal(err)
	}
	Attach(core)

	// Paging is enabled with an empty directory at frame 1 so any access
	// faults.
	core.LoadTranslationRoot(mm.Frame(1).Address())
	core.EnablePaging()

	t.Run("registered handler", func(t *testing.T) {
		var (
			gotCore cpu.Arch
			gotRegs *Registers
		)
		HandleInterrupt(PageFaultException, func(c cpu.Arch, regs *Registers) {
			gotCore, gotRegs = c, regs
		})

		if err := core.Store(0x1000, []byte{1}); err != cpu.ErrPageFault {
			t.Fatalf("expected ErrPageFault; got %v", err)
		}

		if gotCore != cpu.Arch(core) {
			t.Fatal("expected handler to receive the faulting core")
		}
		if gotRegs == nil || gotRegs.Info != cpu.FaultWrite {
			t.Fatalf("expected handler to receive error code %x; got %+v", cpu.FaultWrite, gotRegs)
		}
	})

	t.Run("unhandled exception", func(t *testing.T) {
		HandleInterrupt(PageFaultException, nil)

		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		_ = core.Load(0x2000, make([]byte, 1))

		if !core.Halted() {
			t.Fatal("expected an unhandled exception to halt the core")
		}
		if exp := "Unhandled exception 14"; !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
		}
	})
}
