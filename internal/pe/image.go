package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Image is a PE32 module materialized into a single flat, section-gap-
// zeroed buffer indexed by RVA — the same shape the original loader calls
// a DXT Library: parsed once from a byte stream, then mutated in place as
// imports are resolved and relocations applied, ready to be uploaded
// wholesale to a remote process.
type Image struct {
	buf           []byte
	preferredBase uint32
	actualBase    uint32
	relocated     bool
	entryRVA      uint32
	imports       []LibraryImport
	relocs        []relocationEntry
	tlsDD         dataDirectory
}

// Parse reads a PE32 image from r (a full file, not just headers) and
// materializes it: section data copied to its virtual address, gaps between
// sections and past the last section's raw data left zeroed, which is what
// lets every RVA in the image be indexed directly into the returned buffer.
func Parse(r io.ReaderAt) (*Image, error) {
	nt, sections, err := readNTHeaders(r)
	if err != nil {
		return nil, err
	}
	if nt.sizeOfImage == 0 {
		return nil, fmt.Errorf("SizeOfImage为零")
	}

	buf := make([]byte, nt.sizeOfImage)

	headerLen := nt.sizeOfHeaders
	if headerLen > uint32(len(buf)) {
		headerLen = uint32(len(buf))
	}
	if headerLen > 0 {
		if _, err := r.ReadAt(buf[:headerLen], 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("读取PE头区域失败: %w", err)
		}
	}

	for _, s := range sections {
		if s.VirtualAddress == 0 {
			continue
		}
		rawSize := s.SizeOfRawData
		if rawSize == 0 {
			continue
		}
		dstEnd := uint64(s.VirtualAddress) + uint64(rawSize)
		if dstEnd > uint64(len(buf)) {
			dstEnd = uint64(len(buf))
			rawSize = uint32(dstEnd - uint64(s.VirtualAddress))
		}
		if rawSize == 0 {
			continue
		}
		dst := buf[s.VirtualAddress : uint64(s.VirtualAddress)+uint64(rawSize)]
		if _, err := r.ReadAt(dst, int64(s.PointerToRawData)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("读取节区 %q 原始数据失败: %w", s.name(), err)
		}
	}

	imports, err := parseImports(buf, nt.dataDirectory[dirImport])
	if err != nil {
		return nil, fmt.Errorf("解析导入表失败: %w", err)
	}
	relocs, err := parseRelocations(buf, nt.dataDirectory[dirBaseReloc])
	if err != nil {
		return nil, fmt.Errorf("解析重定位表失败: %w", err)
	}

	return &Image{
		buf:           buf,
		preferredBase: nt.imageBase,
		entryRVA:      nt.addressOfEntryPoint,
		imports:       imports,
		relocs:        relocs,
		tlsDD:         nt.dataDirectory[dirTLS],
	}, nil
}

// GetImageSize returns the number of bytes the module occupies once
// materialized — the size any remote allocation for it must satisfy.
func (img *Image) GetImageSize() uint32 {
	return uint32(len(img.buf))
}

// GetImageBase returns the preferred load address recorded in the PE
// header, before any relocation has been applied.
func (img *Image) GetImageBase() uint32 {
	return img.preferredBase
}

// GetImports returns every import slot the module requires resolved before
// it can run, in file order.
func (img *Image) GetImports() []LibraryImport {
	return img.imports
}

// PatchImport writes a resolved absolute address into the IAT slot at rva.
// Callers (the remote export resolver) call this once per LibraryImport
// before Relocate, matching the bootstrap driver's "fix imports, then
// relocate" ordering.
func (img *Image) PatchImport(rva, address uint32) error {
	if int(rva)+4 > len(img.buf) {
		return fmt.Errorf("导入槽位越界: RVA 0x%X", rva)
	}
	binary.LittleEndian.PutUint32(img.buf[rva:], address)
	return nil
}

// Relocate applies every base relocation fixup for a load at actualBase.
// It is a precondition that actualBase corresponds to however the caller
// intends to upload img.Bytes() — calling Relocate twice on the same Image
// returns an error rather than silently double-applying the delta, since
// base relocations are only valid to apply once.
func (img *Image) Relocate(actualBase uint32) error {
	if img.relocated {
		return fmt.Errorf("镜像已重定位，不能重复应用基址重定位")
	}
	delta := actualBase - img.preferredBase
	if err := applyRelocations(img.buf, img.relocs, delta); err != nil {
		return fmt.Errorf("应用基址重定位失败: %w", err)
	}
	img.actualBase = actualBase
	img.relocated = true
	return nil
}

// GetEntrypoint returns the absolute address of the module's entry point
// under whichever base is currently active: the relocated actual base once
// Relocate has run, otherwise the preferred image base.
func (img *Image) GetEntrypoint() uint32 {
	return img.activeBase() + img.entryRVA
}

// GetTLSInitializers returns the absolute addresses of every TLS callback
// registered in the image. Callers may log or inspect these; this loader
// never invokes them.
//
// Once Relocate has run, the TLS directory's AddressOfCallBacks field and
// the callback pointer array inside buf are themselves ordinary HIGHLOW
// fixup targets and have already been bumped by delta, so they now hold
// VAs relative to activeBase(), not preferredBase. parseTLSCallbacks must
// therefore be given whichever base is currently active, the same base
// its RVA output is then added back to below.
func (img *Image) GetTLSInitializers() ([]uint32, error) {
	base := img.activeBase()
	callbacks, err := parseTLSCallbacks(img.buf, img.tlsDD, base)
	if err != nil {
		return nil, fmt.Errorf("解析TLS回调失败: %w", err)
	}
	out := make([]uint32, len(callbacks))
	for i, rva := range callbacks {
		out[i] = base + rva
	}
	return out, nil
}

// Bytes returns the materialized image buffer, ready for upload once every
// import has been patched and Relocate has run.
func (img *Image) Bytes() []byte {
	return img.buf
}

func (img *Image) activeBase() uint32 {
	if img.relocated {
		return img.actualBase
	}
	return img.preferredBase
}
