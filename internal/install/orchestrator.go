package install

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/bootstrap"
	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// Orchestrator is a process-wide, idempotent driver for the whole install
// chain: bootstrap the command processor if it isn't already running, then
// install DynDXT DLLs through it. Grounded on the Loader class in
// loader.cpp, which keeps exactly this shape behind a single process-wide
// singleton_ pointer.
type Orchestrator struct {
	dbg      xbdm.Debugger
	cache    *xbdm.ExportCache
	payloads Payloads
	log      xbdm.Logger
}

var (
	singletonMu sync.Mutex
	singleton   *Orchestrator
)

// Bootstrap returns the process-wide Orchestrator, creating and injecting
// the loader chain on first use. If the dynamic loader is already running
// on the target (ddxt!hello succeeds), no injection is performed. Bootstrap
// is safe to call repeatedly; once a singleton exists it is returned
// as-is, even across different Debugger connections within the same
// process — matching the original's "if already bootstrapped, just reuse
// it" behavior.
func Bootstrap(ctx context.Context, dbg xbdm.Debugger, payloads Payloads, log xbdm.Logger) (*Orchestrator, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		return singleton, nil
	}

	o := &Orchestrator{dbg: dbg, cache: xbdm.NewExportCache(), payloads: payloads, log: log}

	if hello(ctx, dbg) {
		log.Log("dynamic loader already running, skipping injection")
		singleton = o
		return singleton, nil
	}

	if err := o.injectLoader(ctx); err != nil {
		return nil, fmt.Errorf("注入加载器链失败: %w", err)
	}

	singleton = o
	return singleton, nil
}

// injectLoader drives Stage-1, Stage-2 and the dynamic loader install in
// sequence, always tearing Stage-1 down regardless of whether Stage-2
// succeeded — matching Loader::InjectLoader's unconditional `cleanup:`
// restore of DmResumeThread.
func (o *Orchestrator) injectLoader(ctx context.Context) error {
	s1 := bootstrap.NewStage1(o.dbg, o.cache, o.payloads.Stage1, o.log)
	if err := s1.Install(ctx); err != nil {
		return fmt.Errorf("stage1安装失败: %w", err)
	}

	s2 := bootstrap.NewStage2(o.dbg, o.cache, s1, o.payloads.Stage2, o.log)
	_, stage2Err := s2.Install(ctx)

	teardownErr := s1.Teardown(ctx)

	if stage2Err != nil {
		return fmt.Errorf("stage2安装失败: %w", stage2Err)
	}
	if teardownErr != nil {
		return teardownErr
	}

	return InstallLoader(ctx, o.dbg, o.cache, o.payloads.Loader, o.log)
}

// Load bootstraps if necessary and installs the DynDXT DLL found at path.
// Returns the loader's success flag and its full multiline status
// response, matching the original's InstallDynDXT(path) + the status text
// it prints to stdout.
func Load(ctx context.Context, dbg xbdm.Debugger, payloads Payloads, log xbdm.Logger, path string) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, "", fmt.Errorf("读取文件 %q 失败: %w", path, err)
	}
	return Install(ctx, dbg, payloads, log, data)
}

// Install bootstraps if necessary and uploads raw DynDXT DLL bytes through
// the running loader.
func Install(ctx context.Context, dbg xbdm.Debugger, payloads Payloads, log xbdm.Logger, data []byte) (bool, string, error) {
	if len(data) == 0 {
		return false, "", fmt.Errorf("DynDXT数据为空")
	}

	o, err := Bootstrap(ctx, dbg, payloads, log)
	if err != nil {
		return false, "", fmt.Errorf("引导加载器链失败: %w", err)
	}

	ok, msg, err := loadDynDXT(ctx, o.dbg, data)
	if err != nil {
		return false, "", err
	}
	return ok, msg, nil
}
