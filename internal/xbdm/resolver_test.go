package xbdm

import (
	"context"
	"testing"
)

func setupExportDirectory(dbg *fakeDebugger, imageBase, peHeaderRVA, exportTableRVA, addressOfFunctionsRVA uint32, functionRVAs []uint32) {
	dbg.putDWORD(imageBase+peHeaderPointerOffset, peHeaderRVA)
	exportTableBase := imageBase + exportTableRVA
	dbg.putDWORD(imageBase+peHeaderRVA+exportTableOffset, exportTableRVA)
	dbg.putDWORD(exportTableBase+exportNumFunctionsOffset, uint32(len(functionRVAs)))
	dbg.putDWORD(exportTableBase+exportAddressOfFunctionsOffset, addressOfFunctionsRVA)
	for i, rva := range functionRVAs {
		dbg.putDWORD(imageBase+addressOfFunctionsRVA+uint32(i*4), rva)
	}
}

func TestGetExportAddress(t *testing.T) {
	dbg := newFakeDebugger()
	const imageBase = 0x10000
	setupExportDirectory(dbg, imageBase, 0x80, 0x2000, 0x2100, []uint32{0x400, 0x500, 0x600})

	// Ordinal 2 is 1-based index 1 -> function RVA 0x500.
	addr, err := GetExportAddress(context.Background(), dbg, imageBase, 2)
	if err != nil {
		t.Fatalf("GetExportAddress() error = %v", err)
	}
	if want := uint32(imageBase + 0x500); addr != want {
		t.Errorf("GetExportAddress() = 0x%X, want 0x%X", addr, want)
	}
}

func TestGetExportAddressOutOfRange(t *testing.T) {
	dbg := newFakeDebugger()
	const imageBase = 0x10000
	setupExportDirectory(dbg, imageBase, 0x80, 0x2000, 0x2100, []uint32{0x400})

	if _, err := GetExportAddress(context.Background(), dbg, imageBase, 5); err == nil {
		t.Error("GetExportAddress() with out-of-range ordinal: want error, got nil")
	}
}

func TestGetExportAddressRejectsZeroOrdinal(t *testing.T) {
	dbg := newFakeDebugger()
	if _, err := GetExportAddress(context.Background(), dbg, 0x10000, 0); err == nil {
		t.Error("GetExportAddress() with ordinal 0: want error, got nil")
	}
}

func TestExportCacheResolvesOnceThenCaches(t *testing.T) {
	dbg := newFakeDebugger()
	const imageBase = 0x20000
	setupExportDirectory(dbg, imageBase, 0x80, 0x1000, 0x1100, []uint32{0x111, 0x222})
	dbg.modules["xbdm.dll"] = &Module{Name: "xbdm.dll", BaseAddress: imageBase}

	cache := NewExportCache()

	addr1, err := cache.Resolve(context.Background(), dbg, "xbdm.dll", 2)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := uint32(imageBase + 0x222); addr1 != want {
		t.Errorf("Resolve() = 0x%X, want 0x%X", addr1, want)
	}

	// Corrupt the export table; a second Resolve() call for the same
	// ordinal must come from the cache, not hit the (now wrong) memory.
	dbg.putDWORD(imageBase+0x1100+4, 0xFFFFFFFF)
	addr2, err := cache.Resolve(context.Background(), dbg, "xbdm.dll", 2)
	if err != nil {
		t.Fatalf("Resolve() (cached) error = %v", err)
	}
	if addr2 != addr1 {
		t.Errorf("Resolve() (cached) = 0x%X, want 0x%X (unchanged)", addr2, addr1)
	}

	if cached, ok := cache.LookupCached("xbdm.dll", 2); !ok || cached != addr1 {
		t.Errorf("LookupCached() = (0x%X, %v), want (0x%X, true)", cached, ok, addr1)
	}
}

func TestExportCacheBaseAddressFetchedOnce(t *testing.T) {
	dbg := newFakeDebugger()
	dbg.modules["xboxkrnl.exe"] = &Module{Name: "xboxkrnl.exe", BaseAddress: 0x80000000}

	cache := NewExportCache()
	base1, err := cache.BaseAddress(context.Background(), dbg, "xboxkrnl.exe")
	if err != nil {
		t.Fatalf("BaseAddress() error = %v", err)
	}

	delete(dbg.modules, "xboxkrnl.exe")
	base2, err := cache.BaseAddress(context.Background(), dbg, "xboxkrnl.exe")
	if err != nil {
		t.Fatalf("BaseAddress() (cached) error = %v", err)
	}
	if base1 != base2 {
		t.Errorf("BaseAddress() cached mismatch: %v != %v", base1, base2)
	}
}
