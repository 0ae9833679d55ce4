package pe

import (
	"encoding/binary"
	"fmt"
)

const (
	relocBlockHeaderSize = 8

	relocAbsolute = 0
	relocHighLow  = 3
)

// relocationEntry is one decoded HIGHLOW fixup: the RVA of the 32-bit word
// to patch. Only ABSOLUTE (padding, skipped) and HIGHLOW (the only fixup type
// an x86 PE32 image produces) are recognized; anything else is a hard
// parse error rather than a silently ignored fixup, since Non-goals rule
// out non-x86 relocations entirely.
type relocationEntry struct {
	rva uint32
}

// parseRelocations walks IMAGE_DATA_DIRECTORY[IMAGE_DIRECTORY_ENTRY_BASERELOC]
// and returns the RVA of every HIGHLOW fixup, without applying them. buf is
// indexed by RVA.
func parseRelocations(buf []byte, dd dataDirectory) ([]relocationEntry, error) {
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, nil
	}

	var entries []relocationEntry
	blockOff := dd.VirtualAddress
	end := dd.VirtualAddress + dd.Size
	for blockOff < end {
		if int(blockOff)+relocBlockHeaderSize > len(buf) {
			return nil, fmt.Errorf("重定位块头越界: RVA 0x%X", blockOff)
		}
		pageRVA := binary.LittleEndian.Uint32(buf[blockOff:])
		blockSize := binary.LittleEndian.Uint32(buf[blockOff+4:])
		if blockSize < relocBlockHeaderSize {
			return nil, fmt.Errorf("重定位块大小非法: %d", blockSize)
		}

		numEntries := (blockSize - relocBlockHeaderSize) / 2
		for i := uint32(0); i < numEntries; i++ {
			entOff := blockOff + relocBlockHeaderSize + i*2
			if int(entOff)+2 > len(buf) {
				return nil, fmt.Errorf("重定位项越界: RVA 0x%X", entOff)
			}
			raw := binary.LittleEndian.Uint16(buf[entOff:])
			typ := raw >> 12
			pageOffset := uint32(raw & 0x0FFF)

			switch typ {
			case relocAbsolute:
				// Padding entry, no fixup.
			case relocHighLow:
				entries = append(entries, relocationEntry{rva: pageRVA + pageOffset})
			default:
				return nil, fmt.Errorf("不支持的重定位类型: %d (仅支持HIGHLOW/ABSOLUTE)", typ)
			}
		}

		blockOff += blockSize
	}

	return entries, nil
}

// applyRelocations adds delta to the 32-bit value stored at each fixup RVA.
// delta wraps the way x86 pointer arithmetic does (actualBase - preferredBase
// computed in uint32).
func applyRelocations(buf []byte, entries []relocationEntry, delta uint32) error {
	if delta == 0 {
		return nil
	}
	for _, e := range entries {
		if int(e.rva)+4 > len(buf) {
			return fmt.Errorf("重定位目标越界: RVA 0x%X", e.rva)
		}
		val := binary.LittleEndian.Uint32(buf[e.rva:])
		binary.LittleEndian.PutUint32(buf[e.rva:], val+delta)
	}
	return nil
}
