package xbdm

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"
)

// fakeBulkResolve simulates the target side of ldxt!r: it parses the " b="
// / " o=" tokens back out of the command text (in the order they appear)
// and returns a packed address array computed as base + ordinal, so tests
// can verify both command framing and response decoding round-trip.
func fakeBulkResolve(cmd string) (CommandResponse, error) {
	fields := strings.Fields(cmd)
	var addrs []uint32
	var base uint64
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "b=0x"):
			base, _ = strconv.ParseUint(f[4:], 16, 32)
		case strings.HasPrefix(f, "o=0x"):
			ord, _ := strconv.ParseUint(f[4:], 16, 32)
			addrs = append(addrs, uint32(base)+uint32(ord))
		}
	}

	bin := make([]byte, len(addrs)*4)
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(bin[i*4:], a)
	}
	return CommandResponse{OK: true, Binary: bin}, nil
}

func TestBulkResolveRoundTrip(t *testing.T) {
	dbg := newFakeDebugger()
	dbg.commandHandler = fakeBulkResolve

	const numRequests = 120 // forces a split across multiple ldxt!r commands
	requests := make([]BulkResolveRequest, numRequests)
	outs := make([]uint32, numRequests)
	for i := range requests {
		requests[i] = BulkResolveRequest{Base: 0x10000, Ordinal: uint32(i + 1), Out: &outs[i]}
	}

	if err := BulkResolve(context.Background(), dbg, requests); err != nil {
		t.Fatalf("BulkResolve() error = %v", err)
	}

	if len(dbg.commands) < 2 {
		t.Fatalf("expected BulkResolve to split across multiple commands, got %d", len(dbg.commands))
	}
	for i, cmd := range dbg.commands {
		if len(cmd) > MaximumSendLength {
			t.Errorf("command %d length %d exceeds MaximumSendLength %d", i, len(cmd), MaximumSendLength)
		}
	}

	for i := range requests {
		want := uint32(0x10000 + i + 1)
		if outs[i] != want {
			t.Errorf("outs[%d] = 0x%X, want 0x%X", i, outs[i], want)
		}
	}
}

func TestBulkResolveFailsOnUnresolvedOrdinal(t *testing.T) {
	dbg := newFakeDebugger()
	dbg.commandHandler = func(cmd string) (CommandResponse, error) {
		// Always resolve to 0, simulating a lookup miss.
		return CommandResponse{OK: true, Binary: make([]byte, 4)}, nil
	}

	var out uint32
	requests := []BulkResolveRequest{{Base: 0x10000, Ordinal: 1, Out: &out}}
	if err := BulkResolve(context.Background(), dbg, requests); err == nil {
		t.Error("BulkResolve() with unresolved ordinal: want error, got nil")
	}
}

func TestBulkResolveEmptyRequestsNoOp(t *testing.T) {
	dbg := newFakeDebugger()
	if err := BulkResolve(context.Background(), dbg, nil); err != nil {
		t.Fatalf("BulkResolve(nil) error = %v", err)
	}
	if len(dbg.commands) != 0 {
		t.Errorf("expected no commands sent, got %d", len(dbg.commands))
	}
}

func TestBuildCommandEmitsBaseOnlyOnChange(t *testing.T) {
	batch := []BulkResolveRequest{
		{Base: 0x1000, Ordinal: 1},
		{Base: 0x1000, Ordinal: 2},
		{Base: 0x2000, Ordinal: 3},
	}
	cmd := buildCommand(batch)
	if strings.Count(cmd, "b=") != 2 {
		t.Errorf("buildCommand() = %q, want exactly 2 b= tokens", cmd)
	}
	if strings.Count(cmd, "o=") != 3 {
		t.Errorf("buildCommand() = %q, want exactly 3 o= tokens", cmd)
	}
}
