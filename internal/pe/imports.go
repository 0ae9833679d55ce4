package pe

import (
	"encoding/binary"
	"fmt"
)

const (
	importDescriptorSize = 20
	ordinalFlag32        = 0x80000000
)

// LibraryImport describes one resolved or unresolved import slot: the DLL it
// comes from, whether it's imported by ordinal or by name, and the RVA of
// the IAT thunk that a resolved address gets written into.
type LibraryImport struct {
	Library  string
	Ordinal  uint32 // valid when Name == ""
	Name     string // empty when imported by ordinal
	ThunkRVA uint32
}

// String renders an import slot the way the original DXTLibraryImport's
// operator<< does, for diagnostic logging on resolution failure.
func (li LibraryImport) String() string {
	if li.Name != "" {
		return fmt.Sprintf("%s!%s (thunk@0x%08X)", li.Library, li.Name, li.ThunkRVA)
	}
	return fmt.Sprintf("%s!#%d (thunk@0x%08X)", li.Library, li.Ordinal, li.ThunkRVA)
}

// parseImports walks the import directory inside a materialized image
// buffer (buf is indexed by RVA, i.e. buf[0] is the byte at RVA 0) and
// returns one LibraryImport per thunk slot across every imported DLL.
func parseImports(buf []byte, dd dataDirectory) ([]LibraryImport, error) {
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, nil
	}

	var imports []LibraryImport
	descOff := dd.VirtualAddress
	for {
		if int(descOff)+importDescriptorSize > len(buf) {
			return nil, fmt.Errorf("导入描述符越界: RVA 0x%X", descOff)
		}
		desc := buf[descOff : descOff+importDescriptorSize]
		originalFirstThunk := binary.LittleEndian.Uint32(desc[0:4])
		nameRVA := binary.LittleEndian.Uint32(desc[12:16])
		firstThunk := binary.LittleEndian.Uint32(desc[16:20])

		if originalFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}

		libName, err := readCStringFromBuf(buf, nameRVA)
		if err != nil {
			return nil, fmt.Errorf("读取导入库名称失败 (RVA 0x%X): %w", nameRVA, err)
		}

		thunkTableRVA := originalFirstThunk
		if thunkTableRVA == 0 {
			thunkTableRVA = firstThunk
		}

		libImports, err := walkThunks(buf, libName, thunkTableRVA, firstThunk)
		if err != nil {
			return nil, fmt.Errorf("解析 %s 的导入表失败: %w", libName, err)
		}
		imports = append(imports, libImports...)

		descOff += importDescriptorSize
	}

	return imports, nil
}

// walkThunks decodes one DLL's thunk array, starting at thunkRVA (the
// lookup table, OriginalFirstThunk or FirstThunk if the former is absent)
// and recording the IAT slot RVA from the parallel FirstThunk array.
func walkThunks(buf []byte, library string, thunkRVA, iatRVA uint32) ([]LibraryImport, error) {
	var out []LibraryImport
	for i := 0; ; i++ {
		off := thunkRVA + uint32(i*4)
		if int(off)+4 > len(buf) {
			return nil, fmt.Errorf("thunk表越界: RVA 0x%X", off)
		}
		thunk := binary.LittleEndian.Uint32(buf[off:])
		if thunk == 0 {
			break
		}

		slotRVA := iatRVA + uint32(i*4)
		li := LibraryImport{Library: library, ThunkRVA: slotRVA}

		if thunk&ordinalFlag32 != 0 {
			li.Ordinal = thunk &^ ordinalFlag32
		} else {
			// thunk is an RVA to IMAGE_IMPORT_BY_NAME: Hint (2 bytes) then
			// a null-terminated name.
			if int(thunk)+2 > len(buf) {
				return nil, fmt.Errorf("IMAGE_IMPORT_BY_NAME越界: RVA 0x%X", thunk)
			}
			name, err := readCStringFromBuf(buf, thunk+2)
			if err != nil {
				return nil, fmt.Errorf("读取导入函数名失败 (RVA 0x%X): %w", thunk, err)
			}
			li.Name = name
		}

		out = append(out, li)
	}
	return out, nil
}

// readCStringFromBuf reads a null-terminated string out of a materialized
// image buffer at the given RVA.
func readCStringFromBuf(buf []byte, rva uint32) (string, error) {
	if int(rva) >= len(buf) {
		return "", fmt.Errorf("RVA 0x%X 超出镜像范围", rva)
	}
	end := int(rva)
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end >= len(buf) {
		return "", fmt.Errorf("字符串在RVA 0x%X处未终止", rva)
	}
	return string(buf[rva:end]), nil
}
