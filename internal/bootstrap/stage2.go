package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/pe"
	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// stage2ImportSlots is the number of trailing DWORD import slots the
// Stage-2 payload reserves for itself, patched in before upload. Keep in
// sync with whatever assembles the bundled payload; the original's
// bootstrap_l2.asm reserves exactly these three, in this order.
const stage2ImportSlots = 3

// Stage2 installs the larger Stage-2 bootstrap payload using a Stage1
// driver as its allocate-and-invoke primitive. Grounded on
// Loader::InstallL2Loader in loader.cpp.
type Stage2 struct {
	dbg     xbdm.Debugger
	cache   *xbdm.ExportCache
	stage1  *Stage1
	payload []byte
	log     xbdm.Logger
}

// NewStage2 builds a driver around the given Stage-2 payload bytes and an
// already-constructed Stage1 to allocate memory and trigger execution
// through.
func NewStage2(dbg xbdm.Debugger, cache *xbdm.ExportCache, stage1 *Stage1, payload []byte, log xbdm.Logger) *Stage2 {
	return &Stage2{dbg: dbg, cache: cache, stage1: stage1, payload: payload, log: log}
}

// Install patches the Stage-2 payload's trailing import slots, allocates
// room for it via Stage1, uploads it, and triggers its entry point by
// switching Stage1 into execute mode and invoking the allocated address.
// It returns the address the payload was installed at.
func (s *Stage2) Install(ctx context.Context) (uint32, error) {
	if len(s.payload) < stage2ImportSlots*4 {
		return 0, fmt.Errorf("stage2负载过短: %d 字节", len(s.payload))
	}

	freePool, err := s.cache.Resolve(ctx, s.dbg, "xbdm.dll", pe.OrdinalDmFreePool)
	if err != nil {
		return 0, fmt.Errorf("解析DmFreePool失败: %w", err)
	}
	allocatePool, err := s.cache.Resolve(ctx, s.dbg, "xbdm.dll", pe.OrdinalDmAllocatePoolWithTag)
	if err != nil {
		return 0, fmt.Errorf("解析DmAllocatePoolWithTag失败: %w", err)
	}
	registerCommandProcessor, err := s.cache.Resolve(ctx, s.dbg, "xbdm.dll", pe.OrdinalDmRegisterCommandProcessor)
	if err != nil {
		return 0, fmt.Errorf("解析DmRegisterCommandProcessor失败: %w", err)
	}

	payload := append([]byte(nil), s.payload...)
	importTable := payload[len(payload)-stage2ImportSlots*4:]
	binary.LittleEndian.PutUint32(importTable[0:4], freePool)
	binary.LittleEndian.PutUint32(importTable[4:8], allocatePool)
	binary.LittleEndian.PutUint32(importTable[8:12], registerCommandProcessor)

	entrypoint, err := s.stage1.AllocatePool(ctx, uint32(len(payload)))
	if err != nil {
		return 0, fmt.Errorf("分配stage2内存失败: %w", err)
	}

	if err := xbdm.ChunkedSetMemory(ctx, s.dbg, entrypoint, payload, xbdm.MaximumSendLength, s.log); err != nil {
		// TODO: free the pool allocated above; this driver has no
		// DmFreePool wrapper of its own yet, so a failed upload currently
		// leaks the allocation.
		return 0, fmt.Errorf("上传stage2负载失败: %w", err)
	}
	s.log.Log("stage2 installed at 0x%08X (%d bytes)", entrypoint, len(payload))

	if err := s.stage1.SetExecuteMode(ctx); err != nil {
		// TODO: free the pool allocated above.
		return 0, fmt.Errorf("切换执行模式失败: %w", err)
	}

	if err := s.stage1.Invoke(ctx, entrypoint); err != nil {
		// TODO: free the pool allocated above.
		return 0, fmt.Errorf("触发stage2初始化失败: %w", err)
	}

	return entrypoint, nil
}
