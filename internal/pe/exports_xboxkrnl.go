package pe

// XBOXKRNLExports maps the mangled export name of a representative subset
// of xboxkrnl.exe's published kernel exports to their ordinal. The full
// table mirrors the nxdk project's xboxkrnl.exe.def
// (https://github.com/XboxDev/nxdk/blob/master/lib/xboxkrnl/xboxkrnl.exe.def);
// only the entries a DXT loader typically imports by name are reproduced
// here rather than the complete ~366 entry list.
var XBOXKRNLExports = map[string]uint32{
	"_AvGetSavedDataAddress@0":        1,
	"_AvSendTVEncoderOption@16":       2,
	"_AvSetDisplayMode@20":            3,
	"_AvSetSavedDataAddress@4":        4,
	"_DbgPrint":                       9,
	"_ExAllocatePool@4":               15,
	"_ExAllocatePoolWithTag@8":        16,
	"_ExFreePool@4":                   25,
	"_ExQueryPoolBlockSize@4":         28,
	"_KeBugCheck@4":                   57,
	"_KeBugCheckEx@20":                58,
	"_KeDelayExecutionThread@16":      59,
	"_KeQuerySystemTime@4":            153,
	"_KeTlsAlloc@0":                   176,
	"_KeTlsFree@4":                    177,
	"_KeTlsGetValue@4":                178,
	"_KeTlsSetValue@8":                179,
	"_MmAllocateContiguousMemory@4":   165,
	"_MmAllocateContiguousMemoryEx@20": 166,
	"_MmFreeContiguousMemory@4":       171,
	"_MmQueryAllocationSize@4":        172,
	"_NtClose@4":                      193,
	"_NtCreateFile@44":                196,
	"_NtReadFile@32":                  228,
	"_NtWriteFile@36":                 247,
	"_RtlEnterCriticalSection@4":      274,
	"_RtlLeaveCriticalSection@4":      275,
	"_XeLoadSection@4":                322,
	"_XeUnloadSection@4":              323,
}
