package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PE32 byte-layout constants. These mirror the handwritten offsets the
// teacher uses throughout internal/pe (see patcher.go's PatchEntryPoint and
// section.go's section-header encoding) rather than debug/pe's File type,
// because this loader needs to materialize a flat relocatable image buffer
// that debug/pe has no concept of.
const (
	dosHeaderSize     = 64
	dosLfanewOffset   = 0x3C
	ntSignatureSize   = 4
	fileHeaderSize    = 20
	sectionHeaderSize = 40

	machineI386       = 0x014C
	optionalMagicPE32 = 0x010B

	// Offsets relative to the start of the 32-bit optional header.
	ohMagic             = 0
	ohAddressOfEntry    = 16
	ohImageBase         = 28
	ohSizeOfImage       = 56
	ohSizeOfHeaders     = 60
	ohNumberOfRvaSizes  = 92
	ohDataDirectory     = 96
	dataDirectoryEntryN = 8

	// Data directory indices.
	dirExport    = 0
	dirImport    = 1
	dirBaseReloc = 5
	dirTLS       = 9
)

// ntHeaders is a parsed snapshot of IMAGE_NT_HEADERS32's fields that this
// loader actually needs.
type ntHeaders struct {
	machine             uint16
	numberOfSections     uint16
	sizeOfOptionalHeader uint16
	magic                uint16
	addressOfEntryPoint  uint32
	imageBase            uint32
	sizeOfImage          uint32
	sizeOfHeaders        uint32
	dataDirectory        [16]dataDirectory
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// sectionHeader is IMAGE_SECTION_HEADER, trimmed to the fields this loader
// uses.
type sectionHeader struct {
	Name             [8]byte
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
}

func (s sectionHeader) name() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

// readNTHeaders locates and parses the DOS header, NT headers and section
// table from r, validating that the image is a 32-bit x86 PE.
func readNTHeaders(r io.ReaderAt) (*ntHeaders, []sectionHeader, error) {
	dos := make([]byte, dosHeaderSize)
	if _, err := r.ReadAt(dos, 0); err != nil {
		return nil, nil, fmt.Errorf("读取DOS头失败: %w", err)
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return nil, nil, fmt.Errorf("无效的DOS签名")
	}
	lfanew := int64(binary.LittleEndian.Uint32(dos[dosLfanewOffset:]))

	sig := make([]byte, ntSignatureSize)
	if _, err := r.ReadAt(sig, lfanew); err != nil {
		return nil, nil, fmt.Errorf("读取PE签名失败: %w", err)
	}
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return nil, nil, fmt.Errorf("无效的PE签名")
	}

	fh := make([]byte, fileHeaderSize)
	if _, err := r.ReadAt(fh, lfanew+ntSignatureSize); err != nil {
		return nil, nil, fmt.Errorf("读取文件头失败: %w", err)
	}

	nt := &ntHeaders{
		machine:              binary.LittleEndian.Uint16(fh[0:2]),
		numberOfSections:     binary.LittleEndian.Uint16(fh[2:4]),
		sizeOfOptionalHeader: binary.LittleEndian.Uint16(fh[16:18]),
	}
	if nt.machine != machineI386 {
		return nil, nil, fmt.Errorf("不支持的机器类型: 0x%X (仅支持I386)", nt.machine)
	}

	optOffset := lfanew + ntSignatureSize + fileHeaderSize
	if int(nt.sizeOfOptionalHeader) < ohDataDirectory {
		return nil, nil, fmt.Errorf("可选头过短: %d 字节", nt.sizeOfOptionalHeader)
	}
	opt := make([]byte, nt.sizeOfOptionalHeader)
	if _, err := r.ReadAt(opt, optOffset); err != nil {
		return nil, nil, fmt.Errorf("读取可选头失败: %w", err)
	}

	nt.magic = binary.LittleEndian.Uint16(opt[ohMagic:])
	if nt.magic != optionalMagicPE32 {
		return nil, nil, fmt.Errorf("不支持的可选头魔数: 0x%X (仅支持PE32)", nt.magic)
	}
	nt.addressOfEntryPoint = binary.LittleEndian.Uint32(opt[ohAddressOfEntry:])
	nt.imageBase = binary.LittleEndian.Uint32(opt[ohImageBase:])
	nt.sizeOfImage = binary.LittleEndian.Uint32(opt[ohSizeOfImage:])
	nt.sizeOfHeaders = binary.LittleEndian.Uint32(opt[ohSizeOfHeaders:])

	numDirs := binary.LittleEndian.Uint32(opt[ohNumberOfRvaSizes:])
	for i := 0; i < 16 && i < int(numDirs); i++ {
		off := ohDataDirectory + i*dataDirectoryEntryN
		if off+8 > len(opt) {
			break
		}
		nt.dataDirectory[i] = dataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(opt[off:]),
			Size:           binary.LittleEndian.Uint32(opt[off+4:]),
		}
	}

	sectionTableOffset := optOffset + int64(nt.sizeOfOptionalHeader)
	sections := make([]sectionHeader, nt.numberOfSections)
	for i := range sections {
		buf := make([]byte, sectionHeaderSize)
		if _, err := r.ReadAt(buf, sectionTableOffset+int64(i)*sectionHeaderSize); err != nil {
			return nil, nil, fmt.Errorf("读取节区头 %d 失败: %w", i, err)
		}
		var sh sectionHeader
		copy(sh.Name[:], buf[0:8])
		sh.VirtualSize = binary.LittleEndian.Uint32(buf[8:12])
		sh.VirtualAddress = binary.LittleEndian.Uint32(buf[12:16])
		sh.SizeOfRawData = binary.LittleEndian.Uint32(buf[16:20])
		sh.PointerToRawData = binary.LittleEndian.Uint32(buf[20:24])
		sections[i] = sh
	}

	return nt, sections, nil
}

// readCString reads a null-terminated string at the given file offset,
// bounding the read the way the teacher's internal/pe.readCString does.
func readCString(r io.ReaderAt, offset int64) (string, error) {
	var out []byte
	buf := make([]byte, 1)
	for i := 0; i < 512; i++ {
		if _, err := r.ReadAt(buf, offset+int64(i)); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
	}
	return string(out), nil
}
