package xbdm

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
)

// fakeDebugger is an in-memory Debugger double: memory is a flat byte
// image addressable like a real process's memory, commands records every
// SendCommandSync invocation, and commandHandler lets a test script
// canned responses.
type fakeDebugger struct {
	memory         map[uint32]byte
	modules        map[string]*Module
	commands       []string
	commandHandler func(cmd string) (CommandResponse, error)
	setCalls       []setCall
}

type setCall struct {
	address uint32
	data    []byte
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{memory: make(map[uint32]byte), modules: make(map[string]*Module)}
}

func (f *fakeDebugger) putDWORD(address, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	for i, v := range b {
		f.memory[address+uint32(i)] = v
	}
}

func (f *fakeDebugger) GetMemory(_ context.Context, address, length uint32) ([]byte, error) {
	out := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		out[i] = f.memory[address+i]
	}
	return out, nil
}

func (f *fakeDebugger) SetMemory(_ context.Context, address uint32, data []byte) error {
	f.setCalls = append(f.setCalls, setCall{address: address, data: append([]byte(nil), data...)})
	for i, b := range data {
		f.memory[address+uint32(i)] = b
	}
	return nil
}

func (f *fakeDebugger) GetDWORD(_ context.Context, address uint32) (uint32, error) {
	var b [4]byte
	for i := range b {
		b[i] = f.memory[address+uint32(i)]
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (f *fakeDebugger) Resume(_ context.Context, parameter uint32) error {
	return nil
}

func (f *fakeDebugger) GetModule(_ context.Context, name string) (*Module, error) {
	mod, ok := f.modules[name]
	if !ok {
		return nil, fmt.Errorf("no such module: %s", name)
	}
	return mod, nil
}

func (f *fakeDebugger) SendCommandSync(_ context.Context, cmd string) (CommandResponse, error) {
	f.commands = append(f.commands, cmd)
	if f.commandHandler != nil {
		return f.commandHandler(cmd)
	}
	return CommandResponse{OK: true}, nil
}

func (f *fakeDebugger) SendCommandWithBinary(_ context.Context, cmd string, data []byte) (CommandResponse, error) {
	f.commands = append(f.commands, cmd)
	if f.commandHandler != nil {
		return f.commandHandler(cmd)
	}
	return CommandResponse{OK: true}, nil
}

func TestModuleString(t *testing.T) {
	m := Module{Name: "xbdm.dll", BaseAddress: 0x12345678, Size: 100, Checksum: 0xABCD, Timestamp: 0x1, IsTLS: false, IsXBE: true}
	got := m.String()
	want := "Module xbdm.dll base_address: 0x12345678 size: 100 checksum: 0xABCD timestamp: 0x1 is_tls: false is_xbe: true"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestChunkedSetMemorySplitsLargeUploads(t *testing.T) {
	dbg := newFakeDebugger()
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}

	if err := ChunkedSetMemory(context.Background(), dbg, 0x1000, data, 4, nil); err != nil {
		t.Fatalf("ChunkedSetMemory() error = %v", err)
	}

	if len(dbg.setCalls) != 3 {
		t.Fatalf("len(setCalls) = %d, want 3", len(dbg.setCalls))
	}
	if dbg.setCalls[0].address != 0x1000 || len(dbg.setCalls[0].data) != 4 {
		t.Errorf("setCalls[0] = %+v, want address 0x1000 len 4", dbg.setCalls[0])
	}
	if dbg.setCalls[2].address != 0x1008 || len(dbg.setCalls[2].data) != 2 {
		t.Errorf("setCalls[2] = %+v, want address 0x1008 len 2", dbg.setCalls[2])
	}

	got, _ := dbg.GetMemory(context.Background(), 0x1000, 10)
	for i, b := range got {
		if b != byte(i) {
			t.Errorf("uploaded byte %d = %d, want %d", i, b, i)
		}
	}
}

func TestChunkedSetMemorySmallUploadSingleCall(t *testing.T) {
	dbg := newFakeDebugger()
	if err := ChunkedSetMemory(context.Background(), dbg, 0x2000, []byte{1, 2, 3}, 16, nil); err != nil {
		t.Fatalf("ChunkedSetMemory() error = %v", err)
	}
	if len(dbg.setCalls) != 1 {
		t.Fatalf("len(setCalls) = %d, want 1", len(dbg.setCalls))
	}
}
