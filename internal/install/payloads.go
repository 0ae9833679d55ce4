// Package install drives the final two steps of getting a user DLL running
// on the target: installing the dynamic loader itself once the bootstrap
// command processor is up, then using that loader to install arbitrary
// DynDXT DLLs through it.
package install

// Payloads bundles the three machine-code/binary blobs this installer
// needs but does not generate itself: the Stage-1 and Stage-2 bootstrap
// payloads (see internal/bootstrap) and the dynamic loader DLL image that
// InstallLoader uploads once Stage-2 is running. In the original project
// these are compiled-in byte arrays (kBootstrapL1, kBootstrapL2,
// kDynDXTLoader); here they are supplied by the caller since this
// toolchain has no assembler to produce them.
type Payloads struct {
	Stage1 []byte
	Stage2 []byte
	Loader []byte
}
