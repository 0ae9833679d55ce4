// Package bootstrap drives the two-stage injection that gets a persistent
// command processor running inside xbdm.dll: a tiny Stage-1 payload is
// patched directly over DmResumeThread's prologue, used as a one-shot
// "call anything" primitive, and then used to allocate memory for and
// invoke a larger Stage-2 payload before DmResumeThread is restored.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/pe"
	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// Stage1 installs and drives the Stage-1 bootstrap payload: a machine-code
// stub temporarily written over xbdm.dll's DmResumeThread that turns the
// Resume debug command into an arbitrary-call primitive, in the same spirit
// as the original loader's L1BootstrapAllocatePool / SetL1LoaderExecuteMode
// / InvokeL1Bootstrap trio (Loader::InjectLoader in loader.cpp).
type Stage1 struct {
	dbg     xbdm.Debugger
	cache   *xbdm.ExportCache
	log     xbdm.Logger
	payload []byte

	resumeThreadAddr        uint32
	allocatePoolWithTagAddr uint32
	ioAddress               uint32
	original                []byte
	installed               bool
}

// NewStage1 builds a driver around the given Stage-1 payload bytes, which
// are supplied externally (see internal/install/payloads.go) rather than
// assembled by this toolchain.
func NewStage1(dbg xbdm.Debugger, cache *xbdm.ExportCache, payload []byte, log xbdm.Logger) *Stage1 {
	return &Stage1{dbg: dbg, cache: cache, payload: payload, log: log}
}

// Install resolves DmResumeThread and DmAllocatePoolWithTag, saves
// DmResumeThread's current bytes, and overwrites them with the Stage-1
// payload. The last 4 bytes of the payload double as an I/O cell that
// AllocatePool/Invoke communicate through, matching the original's layout
// convention ("the requested size and target address is stored in the
// last 4 bytes of the L1 bootloader").
func (s *Stage1) Install(ctx context.Context) error {
	if s.installed {
		return fmt.Errorf("stage1已安装，不能重复安装")
	}
	if len(s.payload) < 4 {
		return fmt.Errorf("stage1负载过短: %d 字节", len(s.payload))
	}

	resumeAddr, err := s.cache.Resolve(ctx, s.dbg, "xbdm.dll", pe.OrdinalDmResumeThread)
	if err != nil {
		return fmt.Errorf("解析DmResumeThread失败: %w", err)
	}
	allocAddr, err := s.cache.Resolve(ctx, s.dbg, "xbdm.dll", pe.OrdinalDmAllocatePoolWithTag)
	if err != nil {
		return fmt.Errorf("解析DmAllocatePoolWithTag失败: %w", err)
	}

	s.resumeThreadAddr = resumeAddr
	s.allocatePoolWithTagAddr = allocAddr
	s.ioAddress = resumeAddr + uint32(len(s.payload)) - 4

	original, err := s.dbg.GetMemory(ctx, resumeAddr, uint32(len(s.payload)))
	if err != nil {
		return fmt.Errorf("读取DmResumeThread原始字节失败: %w", err)
	}
	s.original = original

	if err := xbdm.ChunkedSetMemory(ctx, s.dbg, resumeAddr, s.payload, xbdm.MaximumSendLength, s.log); err != nil {
		return fmt.Errorf("写入stage1负载失败: %w", err)
	}

	s.installed = true
	s.log.Log("stage1 installed over DmResumeThread at 0x%08X", resumeAddr)
	return nil
}

// AllocatePool asks the Stage-1 trampoline to call DmAllocatePoolWithTag
// for size bytes and returns the allocated address, by writing size into
// the I/O cell, invoking the trampoline, then reading the result back out
// of the same cell.
func (s *Stage1) AllocatePool(ctx context.Context, size uint32) (uint32, error) {
	if !s.installed {
		return 0, fmt.Errorf("stage1尚未安装")
	}

	if err := s.dbg.SetMemory(ctx, s.ioAddress, uint32ToBytes(size)); err != nil {
		return 0, fmt.Errorf("写入分配大小失败: %w", err)
	}
	if err := s.dbg.Resume(ctx, s.allocatePoolWithTagAddr); err != nil {
		return 0, fmt.Errorf("触发stage1分配调用失败: %w", err)
	}

	addr, err := s.dbg.GetDWORD(ctx, s.ioAddress)
	if err != nil {
		return 0, fmt.Errorf("读取分配结果失败: %w", err)
	}
	if addr == 0 {
		return 0, fmt.Errorf("stage1分配 %d 字节失败", size)
	}
	return addr, nil
}

// SetExecuteMode zeroes the I/O cell, switching the Stage-1 trampoline from
// "call DmAllocatePoolWithTag with this size" mode to "call whatever
// address Resume is next invoked with" mode.
func (s *Stage1) SetExecuteMode(ctx context.Context) error {
	if !s.installed {
		return fmt.Errorf("stage1尚未安装")
	}
	if err := s.dbg.SetMemory(ctx, s.ioAddress, uint32ToBytes(0)); err != nil {
		return fmt.Errorf("切换stage1为执行模式失败: %w", err)
	}
	return nil
}

// Invoke calls Resume(parameter), which after SetExecuteMode causes the
// Stage-1 trampoline to call parameter directly.
func (s *Stage1) Invoke(ctx context.Context, parameter uint32) error {
	if !s.installed {
		return fmt.Errorf("stage1尚未安装")
	}
	if err := s.dbg.Resume(ctx, parameter); err != nil {
		return fmt.Errorf("stage1调用 0x%08X 失败: %w", parameter, err)
	}
	return nil
}

// Teardown restores DmResumeThread's original bytes. It is always safe to
// call once Install has succeeded, regardless of whether Stage-2
// installation that followed it succeeded, matching the original's
// unconditional `cleanup:` restore.
func (s *Stage1) Teardown(ctx context.Context) error {
	if !s.installed {
		return nil
	}
	if err := xbdm.ChunkedSetMemory(ctx, s.dbg, s.resumeThreadAddr, s.original, xbdm.MaximumSendLength, s.log); err != nil {
		return fmt.Errorf("恢复DmResumeThread原始字节失败: %w", err)
	}
	s.installed = false
	return nil
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
