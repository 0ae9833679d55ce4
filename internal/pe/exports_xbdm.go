package pe

// XBDMExports maps the mangled (stdcall-decorated) export names of a subset
// of xbdm.dll's published functions to their ordinals. The names follow the
// `_Name@N` convention produced by the MSVC stdcall decorator, matching how
// the ordinals are recorded in the original toolchain's module definition
// file.
//
// Ordinals for the functions this subsystem actually calls during bootstrap
// are load-bearing (DmResumeThread, DmAllocatePoolWithTag, DmFreePool,
// DmRegisterCommandProcessor); the remaining entries let installed DLLs
// import those few functions by name. A by-name import of any xbdm.dll
// function not listed here fails to resolve.
var XBDMExports = map[string]uint32{
	"_DmAllocatePoolWithTag@8":      2,
	"_DmCloseLoadedModules@4":       4,
	"_DmFreePool@4":                 9,
	"_DmHaltThread@4":               20,
	"_DmRegisterCommandProcessor@8": 30,
	"_DmResumeThread@4":             35,
	"_DmSendNotificationString@4":   36,
	"_DmSuspendThread@4":            48,
	"_DmWalkLoadedModules@8":        51,
}

// Well-known xbdm.dll ordinals referenced directly by the bootstrap
// drivers. Declared separately from XBDMExports so callers that only need
// these four values don't have to round-trip through a map-by-name lookup.
const (
	OrdinalDmAllocatePoolWithTag      = 2
	OrdinalDmFreePool                 = 9
	OrdinalDmRegisterCommandProcessor = 30
	OrdinalDmResumeThread             = 35
)
