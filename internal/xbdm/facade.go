// Package xbdm defines the narrow contract this installer needs from a
// live connection to an Xbox debug monitor (XBDM) session, plus the
// protocol logic (export resolution, bulk resolution requests) that is
// built entirely in terms of that contract. The concrete transport lives
// in internal/transport; nothing in this package dials a socket.
package xbdm

import (
	"context"
	"fmt"
)

// CommandResponse is the result of one XBDM command invocation: a status
// line plus, for commands that stream a binary payload after the status
// line (ldxt!r's packed address array, a DynDXT's raw bytes), that payload.
type CommandResponse struct {
	OK      bool
	Message string
	Binary  []byte
}

// Module mirrors the fields XBDM's `modules` response exposes for one
// loaded module.
type Module struct {
	Name        string
	BaseAddress uint32
	Size        uint32
	Checksum    uint32
	Timestamp   uint32
	IsTLS       bool
	IsXBE       bool
}

// String renders a Module the way the debugger's own module descriptor
// does, for diagnostic logging.
func (m Module) String() string {
	return fmt.Sprintf("Module %s base_address: 0x%08X size: %d checksum: 0x%X timestamp: 0x%X is_tls: %v is_xbe: %v",
		m.Name, m.BaseAddress, m.Size, m.Checksum, m.Timestamp, m.IsTLS, m.IsXBE)
}

// Debugger is the façade this subsystem needs from a live XBDM session.
// Everything above this interface (resolver, bootstrap, install) is
// transport-agnostic; everything below it belongs to whatever concrete
// connection is in use (internal/transport, or a test double).
type Debugger interface {
	// GetMemory reads length bytes starting at address from the target.
	GetMemory(ctx context.Context, address, length uint32) ([]byte, error)
	// SetMemory writes data to address on the target. Callers are
	// responsible for staying within whatever single-command size limit
	// the transport enforces; use ChunkedSetMemory to avoid that.
	SetMemory(ctx context.Context, address uint32, data []byte) error
	// GetDWORD reads a single little-endian 32-bit value from address.
	GetDWORD(ctx context.Context, address uint32) (uint32, error)
	// Resume invokes DmResumeThread remotely with the given parameter.
	// Once the bootstrap driver has patched DmResumeThread's prologue,
	// this is how the patched code is triggered.
	Resume(ctx context.Context, parameter uint32) error
	// GetModule looks up a loaded module's descriptor by name.
	GetModule(ctx context.Context, name string) (*Module, error)
	// SendCommandSync sends a raw XBDM command line and waits for the
	// complete response, including any binary payload that follows the
	// status line.
	SendCommandSync(ctx context.Context, command string) (CommandResponse, error)
	// SendCommandWithBinary sends a command line together with an attached
	// binary body, the way the dynamic loader's ldxt!i and ddxt!load
	// handlers expect their payload delivered. Grounded on the original's
	// InvokeSendKnownSizeBinary request type.
	SendCommandWithBinary(ctx context.Context, command string, data []byte) (CommandResponse, error)
}

// Logger is the optional progress/diagnostic sink accepted throughout this
// module, matching the teacher's "pass nil if you don't care" convention.
type Logger func(format string, args ...any)

// Log forwards to l, doing nothing when l is nil.
func (l Logger) Log(format string, args ...any) {
	if l != nil {
		l(format, args...)
	}
}

// ChunkedSetMemory uploads data to address, splitting it into maxChunk-sized
// SetMemory calls when it exceeds the transport's single-command limit.
// Grounded on the original loader's SetMemoryUnsafe, which does the same
// split against SetMem::kMaximumDataSize.
func ChunkedSetMemory(ctx context.Context, dbg Debugger, address uint32, data []byte, maxChunk uint32, log Logger) error {
	if maxChunk == 0 {
		return fmt.Errorf("分块大小不能为0")
	}
	if uint32(len(data)) <= maxChunk {
		return dbg.SetMemory(ctx, address, data)
	}

	total := len(data)
	for offset := 0; offset < total; offset += int(maxChunk) {
		end := offset + int(maxChunk)
		if end > total {
			end = total
		}
		if err := dbg.SetMemory(ctx, address+uint32(offset), data[offset:end]); err != nil {
			return fmt.Errorf("分块上传失败 (偏移 0x%X): %w", offset, err)
		}
		log.Log("uploaded %d/%d bytes to 0x%08X", end, total, address)
	}
	return nil
}
