package install

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

const (
	cmdLdxtAllocate = "ldxt!a"
	cmdLdxtInstall  = "ldxt!i"
	cmdDDXTHello    = "ddxt!hello"
	cmdDDXTLoad     = "ddxt!load"
)

// allocateLoaderMemory asks the running bootstrap command processor (C6's
// Stage-2, once active) to reserve size bytes for the dynamic loader image
// and returns the base address it chose. Grounded on L2BootstrapAllocate.
func allocateLoaderMemory(ctx context.Context, dbg xbdm.Debugger, size uint32) (uint32, error) {
	cmd := fmt.Sprintf("%s s=0x%08X", cmdLdxtAllocate, size)
	resp, err := dbg.SendCommandSync(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("分配加载器内存失败: %w", err)
	}
	if !resp.OK {
		return 0, fmt.Errorf("分配加载器内存被拒绝: %s", resp.Message)
	}

	base, err := parseHexParam(resp.Message, "base=")
	if err != nil {
		return 0, fmt.Errorf("解析base参数失败: %w (响应: %s)", err, resp.Message)
	}
	return base, nil
}

// installLoaderImage uploads the relocated loader image to the target,
// telling the remote allocator which entrypoint to invoke once the bytes
// land. Grounded on L2BootstrapInstall.
func installLoaderImage(ctx context.Context, dbg xbdm.Debugger, entrypoint uint32, image []byte) error {
	cmd := fmt.Sprintf("%s e=0x%08X", cmdLdxtInstall, entrypoint)
	resp, err := dbg.SendCommandWithBinary(ctx, cmd, image)
	if err != nil {
		return fmt.Errorf("安装加载器镜像失败: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("安装加载器镜像被拒绝: %s", resp.Message)
	}
	return nil
}

// hello probes whether the dynamic DXT loader is already running.
func hello(ctx context.Context, dbg xbdm.Debugger) bool {
	resp, err := dbg.SendCommandSync(ctx, cmdDDXTHello)
	if err != nil {
		return false
	}
	return resp.OK
}

// loadDynDXT uploads a fully-formed DynDXT DLL's raw bytes to the already-
// running loader and returns whether it accepted the upload, along with
// the loader's full multiline status response so a caller can surface it
// the way the original prints `*request` to stdout.
func loadDynDXT(ctx context.Context, dbg xbdm.Debugger, data []byte) (bool, string, error) {
	if len(data) == 0 {
		return false, "", fmt.Errorf("DynDXT数据为空")
	}
	resp, err := dbg.SendCommandWithBinary(ctx, cmdDDXTLoad, data)
	if err != nil {
		return false, "", fmt.Errorf("上传DynDXT失败: %w", err)
	}
	return resp.OK, resp.Message, nil
}

// parseHexParam finds "key0x..." in text (e.g. "base=0x1000 size=4096")
// and parses the hex value that follows key.
func parseHexParam(text, key string) (uint32, error) {
	idx := strings.Index(text, key)
	if idx < 0 {
		return 0, fmt.Errorf("未找到参数 %q", key)
	}
	rest := text[idx+len(key):]
	end := 0
	for end < len(rest) && isHexOrPrefix(rest[end]) {
		end++
	}
	value := strings.TrimPrefix(rest[:end], "0x")
	v, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("参数 %q 不是合法的十六进制值: %q", key, rest[:end])
	}
	return uint32(v), nil
}

func isHexOrPrefix(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'a' && b <= 'f':
		return true
	case b >= 'A' && b <= 'F':
		return true
	case b == 'x' || b == 'X':
		return true
	}
	return false
}
