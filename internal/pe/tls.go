package pe

import (
	"encoding/binary"
	"fmt"
)

const tlsDirectory32Size = 24

// parseTLSCallbacks reads the IMAGE_TLS_DIRECTORY32 and returns the RVA of
// every registered callback, converting its VA-based fields to image-
// relative offsets using imageBase. Callbacks are reported, never invoked —
// executing them is explicitly out of scope.
func parseTLSCallbacks(buf []byte, dd dataDirectory, imageBase uint32) ([]uint32, error) {
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, nil
	}
	if int(dd.VirtualAddress)+tlsDirectory32Size > len(buf) {
		return nil, fmt.Errorf("TLS目录越界: RVA 0x%X", dd.VirtualAddress)
	}

	dir := buf[dd.VirtualAddress : dd.VirtualAddress+tlsDirectory32Size]
	callbacksVA := binary.LittleEndian.Uint32(dir[12:16])
	if callbacksVA == 0 {
		return nil, nil
	}

	callbacksRVA := callbacksVA - imageBase
	var callbacks []uint32
	for i := 0; ; i++ {
		off := callbacksRVA + uint32(i*4)
		if int(off)+4 > len(buf) {
			return nil, fmt.Errorf("TLS回调数组越界: RVA 0x%X", off)
		}
		va := binary.LittleEndian.Uint32(buf[off:])
		if va == 0 {
			break
		}
		callbacks = append(callbacks, va-imageBase)
	}

	return callbacks, nil
}
