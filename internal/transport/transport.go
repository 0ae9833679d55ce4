// Package transport supplies a concrete, TCP-based implementation of
// xbdm.Debugger: the "reliable, ordered, framed channel to XBDM" the core
// spec names as an external collaborator rather than something the
// installer itself builds. Grounded on the original project's IPTransport
// (src/net/ip_transport.cpp) and XBDMTransport (src/rdcp/xbdm_transport.cpp):
// a socket guarded by its own lock, a read buffer accumulated across
// recv() calls, commands written as plain text lines.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// MaxSetMemoryChunk bounds a single setmem command's attached payload, the
// Go equivalent of the original's SetMem::kMaximumDataSize. Uploads larger
// than this go through xbdm.ChunkedSetMemory one level up.
const MaxSetMemoryChunk = xbdm.MaximumSendLength

// Transport is a single XBDM connection. Every exported method may block
// on network I/O; nothing here is safe to use concurrently from more than
// one logical caller, matching the single-threaded sequential scheduling
// model the installer assumes — the mutex below exists only to serialize
// accidental concurrent use, not to provide a pipelining guarantee.
type Transport struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial opens a TCP connection to an XBDM session at addr ("host:port") and
// returns a ready-to-use Transport. Grounded on IPTransport's constructor
// plus XBDMTransport::SetConnected (the connection is usable for commands
// immediately once the socket connects; XBDM's own greeting banner is
// consumed by the caller via the first SendCommandSync if the target sends
// one).
func Dial(ctx context.Context, addr string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接XBDM失败 (%s): %w", addr, err)
	}
	return &Transport{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close shuts down the underlying connection. Grounded on
// IPTransport::Close's shutdown+close pair.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// BytesAvailable reports how many received bytes are buffered and not yet
// consumed by a response read.
func (t *Transport) BytesAvailable() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r.Buffered()
}

func (t *Transport) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = t.conn.SetDeadline(deadline)
}

// writeLine writes one command line, CRLF-terminated per the RDCP textual
// convention the GLOSSARY describes.
func (t *Transport) writeLine(line string) error {
	_, err := t.conn.Write([]byte(line + "\r\n"))
	return err
}

// readStatusLine reads one line and splits it into its 3-digit status code
// and trailing message text ("200- OK", "202- binary response follows",
// ...), the shape XBDM-family protocols use throughout.
func (t *Transport) readStatusLine() (code int, message string, err error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return 0, "", fmt.Errorf("读取状态行失败: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return 0, "", fmt.Errorf("状态行过短: %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", fmt.Errorf("状态行没有合法的状态码: %q", line)
	}
	message = strings.TrimPrefix(line[3:], "- ")
	return code, message, nil
}

// Status codes recognized by this transport's response framing. Not an
// exhaustive XBDM status set — only the shapes this installer's commands
// actually provoke.
const (
	statusOK              = 200
	statusMultiline       = 201
	statusBinaryResponse  = 202
	statusSendBinaryData  = 204
	statusConnectedNotice = 220
)

// readResponse reads one full response following a just-sent command:
// a status line, then (depending on the code) either nothing more, a
// multiline text block terminated by a lone ".", or a length-prefixed
// binary payload (the GLOSSARY's "responses are text, multi-line text, or
// length-prefixed binary").
func (t *Transport) readResponse() (xbdm.CommandResponse, error) {
	code, message, err := t.readStatusLine()
	if err != nil {
		return xbdm.CommandResponse{}, err
	}

	resp := xbdm.CommandResponse{OK: code >= 200 && code < 300, Message: message}

	switch code {
	case statusMultiline:
		var lines []string
		for {
			line, err := t.r.ReadString('\n')
			if err != nil {
				return xbdm.CommandResponse{}, fmt.Errorf("读取多行响应失败: %w", err)
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "." {
				break
			}
			lines = append(lines, line)
		}
		resp.Message = strings.Join(lines, "\n")
	case statusBinaryResponse:
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(t.r, lenBuf); err != nil {
			return xbdm.CommandResponse{}, fmt.Errorf("读取二进制响应长度失败: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		data := make([]byte, n)
		if _, err := io.ReadFull(t.r, data); err != nil {
			return xbdm.CommandResponse{}, fmt.Errorf("读取二进制响应数据失败: %w", err)
		}
		resp.Binary = data
	}

	return resp, nil
}

// SendCommandSync sends command and waits for its complete response.
func (t *Transport) SendCommandSync(ctx context.Context, command string) (xbdm.CommandResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return xbdm.CommandResponse{}, fmt.Errorf("连接已关闭")
	}
	t.applyDeadline(ctx)

	if err := t.writeLine(command); err != nil {
		return xbdm.CommandResponse{}, fmt.Errorf("发送命令失败: %w", err)
	}
	return t.readResponse()
}

// SendCommandWithBinary sends command, then the attached binary payload,
// handling the "204- send binary data" turnaround the way ldxt!i and
// ddxt!load expect their bodies delivered.
func (t *Transport) SendCommandWithBinary(ctx context.Context, command string, data []byte) (xbdm.CommandResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return xbdm.CommandResponse{}, fmt.Errorf("连接已关闭")
	}
	t.applyDeadline(ctx)

	cmd := fmt.Sprintf("%s length=0x%X", command, len(data))
	if err := t.writeLine(cmd); err != nil {
		return xbdm.CommandResponse{}, fmt.Errorf("发送命令失败: %w", err)
	}

	code, message, err := t.readStatusLine()
	if err != nil {
		return xbdm.CommandResponse{}, err
	}
	if code != statusSendBinaryData {
		return xbdm.CommandResponse{OK: code >= 200 && code < 300, Message: message}, nil
	}

	if _, err := t.conn.Write(data); err != nil {
		return xbdm.CommandResponse{}, fmt.Errorf("发送二进制数据失败: %w", err)
	}

	return t.readResponse()
}

// GetMemory reads length bytes from address via the getmem command, which
// answers with a length-prefixed binary block.
func (t *Transport) GetMemory(ctx context.Context, address, length uint32) ([]byte, error) {
	resp, err := t.SendCommandSync(ctx, fmt.Sprintf("getmem addr=0x%X length=%d", address, length))
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("getmem被拒绝: %s", resp.Message)
	}
	if uint32(len(resp.Binary)) != length {
		return nil, fmt.Errorf("getmem返回了 %d 字节，期望 %d 字节", len(resp.Binary), length)
	}
	return resp.Binary, nil
}

// SetMemory writes data to address via the setmem command. Callers that
// may exceed MaxSetMemoryChunk should go through xbdm.ChunkedSetMemory
// instead of calling this directly.
func (t *Transport) SetMemory(ctx context.Context, address uint32, data []byte) error {
	resp, err := t.SendCommandWithBinary(ctx, fmt.Sprintf("setmem addr=0x%X", address), data)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("setmem被拒绝: %s", resp.Message)
	}
	return nil
}

// GetDWORD reads a single little-endian 32-bit value from address.
func (t *Transport) GetDWORD(ctx context.Context, address uint32) (uint32, error) {
	data, err := t.GetMemory(ctx, address, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Resume invokes the resume command with parameter, the primitive the
// Stage-1 bootstrap driver uses to re-enter its patched DmResumeThread
// trampoline.
func (t *Transport) Resume(ctx context.Context, parameter uint32) error {
	resp, err := t.SendCommandSync(ctx, fmt.Sprintf("resume thread=0 parameter=0x%X", parameter))
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("resume被拒绝: %s", resp.Message)
	}
	return nil
}

// GetModule looks up a loaded module's descriptor by name via the modules
// command's multiline listing.
func (t *Transport) GetModule(ctx context.Context, name string) (*xbdm.Module, error) {
	resp, err := t.SendCommandSync(ctx, "modules")
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("modules被拒绝: %s", resp.Message)
	}

	for _, line := range strings.Split(resp.Message, "\n") {
		mod, ok := parseModuleLine(line)
		if ok && strings.EqualFold(mod.Name, name) {
			return &mod, nil
		}
	}
	return nil, nil
}

// parseModuleLine decodes one "modules" response line of the form
// `name="xbdm.dll" base=0x80000000 size=0x12345 check=0x0 timestamp=0x0
// tls=0 xbe=0` into a Module.
func parseModuleLine(line string) (xbdm.Module, bool) {
	fields := splitKeyValue(line)
	name, ok := fields["name"]
	if !ok {
		return xbdm.Module{}, false
	}
	name = strings.Trim(name, `"`)

	return xbdm.Module{
		Name:        name,
		BaseAddress: parseHexField(fields, "base"),
		Size:        parseHexField(fields, "size"),
		Checksum:    parseHexField(fields, "check"),
		Timestamp:   parseHexField(fields, "timestamp"),
		IsTLS:       parseHexField(fields, "tls") != 0,
		IsXBE:       parseHexField(fields, "xbe") != 0,
	}, true
}

func parseHexField(fields map[string]string, key string) uint32 {
	v, ok := fields[key]
	if !ok {
		return 0
	}
	v = strings.TrimPrefix(v, "0x")
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// splitKeyValue splits a line of space-separated key=value (optionally
// quoted) tokens into a map, the same token shape the ldxt!r/ldxt!a wire
// commands use.
func splitKeyValue(line string) map[string]string {
	out := make(map[string]string)
	var tok strings.Builder
	inQuotes := false
	flush := func() {
		if tok.Len() == 0 {
			return
		}
		kv := tok.String()
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			out[kv[:eq]] = kv[eq+1:]
		}
		tok.Reset()
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			tok.WriteRune(r)
		case r == ' ' && !inQuotes:
			flush()
		default:
			tok.WriteRune(r)
		}
	}
	flush()
	return out
}

var _ xbdm.Debugger = (*Transport)(nil)
