package install

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// fakeDebugger is a minimal in-memory xbdm.Debugger double, shaped after
// internal/bootstrap's fakeDebugger: the memory/module bookkeeping is
// dropped since these tests never drive Stage1/Stage2 directly, but the
// same "record every mutating call" idea is kept so a test can assert that
// no memory was written and no thread was resumed.
type fakeDebugger struct {
	setMemoryCalls int
	resumeCalls    int
	commands       []string
	binaryCommands []string

	helloOK   bool
	allocBase uint32
}

func (f *fakeDebugger) GetMemory(_ context.Context, _, length uint32) ([]byte, error) {
	return make([]byte, length), nil
}

func (f *fakeDebugger) SetMemory(_ context.Context, _ uint32, _ []byte) error {
	f.setMemoryCalls++
	return nil
}

func (f *fakeDebugger) GetDWORD(_ context.Context, _ uint32) (uint32, error) {
	return 0, nil
}

func (f *fakeDebugger) Resume(_ context.Context, _ uint32) error {
	f.resumeCalls++
	return nil
}

func (f *fakeDebugger) GetModule(_ context.Context, name string) (*xbdm.Module, error) {
	return &xbdm.Module{Name: name, BaseAddress: 0x10000}, nil
}

func (f *fakeDebugger) SendCommandSync(_ context.Context, cmd string) (xbdm.CommandResponse, error) {
	f.commands = append(f.commands, cmd)
	switch {
	case cmd == cmdDDXTHello:
		return xbdm.CommandResponse{OK: f.helloOK}, nil
	case strings.HasPrefix(cmd, cmdLdxtAllocate):
		return xbdm.CommandResponse{OK: true, Message: fmt.Sprintf("base=0x%08X", f.allocBase)}, nil
	}
	return xbdm.CommandResponse{OK: true}, nil
}

func (f *fakeDebugger) SendCommandWithBinary(_ context.Context, cmd string, _ []byte) (xbdm.CommandResponse, error) {
	f.binaryCommands = append(f.binaryCommands, cmd)
	return xbdm.CommandResponse{OK: true}, nil
}

// resetSingleton clears the process-wide Orchestrator singleton between
// tests, since Bootstrap is otherwise idempotent by design across the
// whole test binary.
func resetSingleton() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}

// TestBootstrapIdempotentWhenLoaderAlreadyRunning covers spec scenario S5:
// a façade that answers ddxt!hello OK must cause Bootstrap to perform no
// memory writes and no resumes, since the loader chain is already live on
// the target and nothing needs to be injected.
func TestBootstrapIdempotentWhenLoaderAlreadyRunning(t *testing.T) {
	resetSingleton()
	defer resetSingleton()

	dbg := &fakeDebugger{helloOK: true}

	o, err := Bootstrap(context.Background(), dbg, Payloads{}, nil)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if o == nil {
		t.Fatal("Bootstrap() returned nil Orchestrator")
	}

	if dbg.setMemoryCalls != 0 {
		t.Errorf("SetMemory called %d times, want 0", dbg.setMemoryCalls)
	}
	if dbg.resumeCalls != 0 {
		t.Errorf("Resume called %d times, want 0", dbg.resumeCalls)
	}
}

// TestBootstrapReusesSingletonAcrossCalls covers Bootstrap's documented
// idempotence: once a singleton exists, a second call returns it unchanged
// without re-probing the target at all.
func TestBootstrapReusesSingletonAcrossCalls(t *testing.T) {
	resetSingleton()
	defer resetSingleton()

	dbg := &fakeDebugger{helloOK: true}

	first, err := Bootstrap(context.Background(), dbg, Payloads{}, nil)
	if err != nil {
		t.Fatalf("Bootstrap() first call error = %v", err)
	}

	commandsAfterFirst := len(dbg.commands)

	second, err := Bootstrap(context.Background(), dbg, Payloads{}, nil)
	if err != nil {
		t.Fatalf("Bootstrap() second call error = %v", err)
	}

	if first != second {
		t.Error("Bootstrap() second call returned a different Orchestrator")
	}
	if len(dbg.commands) != commandsAfterFirst {
		t.Errorf("Bootstrap() second call issued %d more commands, want 0", len(dbg.commands)-commandsAfterFirst)
	}
}
