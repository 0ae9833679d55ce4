package xbdm

import (
	"context"
	"encoding/binary"
	"fmt"
)

const (
	// MaximumSendLength bounds how long a single ldxt!r command line may be.
	// The original loader derives this from the transport's own command
	// buffer limit (MAXIMUM_SEND_LENGTH); this value matches that transport's
	// conservative default and leaves room for a single in-flight command.
	MaximumSendLength = 1024

	bulkResolveCommand = "ldxt!r"
	// " b=0x00000000" / " o=0x00000000" — each token is 13 bytes including
	// its leading space.
	addrTokenLen = 13
)

// BulkResolveRequest pairs one ordinal export lookup with the destination
// that should receive its resolved address once ldxt!r responds.
type BulkResolveRequest struct {
	Base    uint32
	Ordinal uint32
	Out     *uint32
}

// splitResolutionBatches groups requests into command-sized batches, the
// way SplitResolutionTable does: requests sharing a Base are kept together
// under one " b=" token where possible, but a run is split (re-emitting a
// " b=" token for the same base in the next batch) whenever the command
// would otherwise exceed MaximumSendLength.
func splitResolutionBatches(requests []BulkResolveRequest) [][]BulkResolveRequest {
	var batches [][]BulkResolveRequest
	var current []BulkResolveRequest
	remaining := MaximumSendLength - len(bulkResolveCommand)
	lastBase := uint32(0)
	haveBase := false

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
		}
		current = nil
		remaining = MaximumSendLength - len(bulkResolveCommand)
		haveBase = false
	}

	for _, req := range requests {
		needed := addrTokenLen
		if !haveBase || req.Base != lastBase {
			needed += addrTokenLen
		}
		if needed > remaining && len(current) > 0 {
			flush()
			needed = addrTokenLen * 2
		}

		if !haveBase || req.Base != lastBase {
			remaining -= addrTokenLen
			lastBase = req.Base
			haveBase = true
		}
		remaining -= addrTokenLen
		current = append(current, req)
	}
	flush()

	return batches
}

// buildCommand renders one ldxt!r command line for a batch, emitting a new
// " b=" token whenever the base address changes.
func buildCommand(batch []BulkResolveRequest) string {
	cmd := bulkResolveCommand
	lastBase := uint32(0)
	haveBase := false
	for _, req := range batch {
		if !haveBase || req.Base != lastBase {
			cmd += fmt.Sprintf(" b=0x%08X", req.Base)
			lastBase = req.Base
			haveBase = true
		}
		cmd += fmt.Sprintf(" o=0x%08X", req.Ordinal)
	}
	return cmd
}

// parseBulkResponse decodes the packed little-endian uint32 array ldxt!r
// returns, one entry per requested ordinal in request order.
func parseBulkResponse(data []byte, count int) ([]uint32, error) {
	want := count * 4
	if len(data) < want {
		return nil, fmt.Errorf("响应数据不足: 需要%d字节, 收到%d字节", want, len(data))
	}
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out, nil
}

// BulkResolve sends one or more ldxt!r commands to resolve every request,
// splitting across multiple commands when the full set wouldn't fit one
// command line, and writes each resolved address through its Out pointer.
// A zero address in the response (no match) is treated as a resolution
// failure rather than silently left as zero, since callers rely on Out
// being populated with a usable address.
func BulkResolve(ctx context.Context, dbg Debugger, requests []BulkResolveRequest) error {
	if len(requests) == 0 {
		return nil
	}

	for _, batch := range splitResolutionBatches(requests) {
		cmd := buildCommand(batch)
		resp, err := dbg.SendCommandSync(ctx, cmd)
		if err != nil {
			return fmt.Errorf("批量导出解析命令失败: %w", err)
		}
		if !resp.OK {
			return fmt.Errorf("批量导出解析命令被拒绝: %s", resp.Message)
		}

		addrs, err := parseBulkResponse(resp.Binary, len(batch))
		if err != nil {
			return fmt.Errorf("解析批量导出响应失败: %w", err)
		}

		for i, req := range batch {
			if addrs[i] == 0 {
				return fmt.Errorf("导出序数 %d (基址0x%08X) 未能解析", req.Ordinal, req.Base)
			}
			*req.Out = addrs[i]
		}
	}

	return nil
}
