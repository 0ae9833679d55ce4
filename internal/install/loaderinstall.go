package install

import (
	"bytes"
	"context"
	"fmt"

	xbdmpe "github.com/ZacharyZcR/xbdm-dyndxt/internal/pe"
	"github.com/ZacharyZcR/xbdm-dyndxt/internal/xbdm"
)

// nameToOrdinal maps a module name to its static name->ordinal export
// table, used to resolve LibraryImport entries that import by name
// rather than by ordinal.
var nameToOrdinal = map[string]map[string]uint32{
	"xbdm.dll":     xbdmpe.XBDMExports,
	"xboxkrnl.exe": xbdmpe.XBOXKRNLExports,
}

// InstallLoader parses the bundled dynamic loader DLL, resolves every
// import it declares against the live target, relocates it for wherever
// the target's running Stage-2 bootstrap agrees to place it, and uploads
// it. Grounded on Loader::InstallDynamicDXTLoader.
func InstallLoader(ctx context.Context, dbg xbdm.Debugger, cache *xbdm.ExportCache, loaderImage []byte, log xbdm.Logger) error {
	img, err := xbdmpe.Parse(bytes.NewReader(loaderImage))
	if err != nil {
		return fmt.Errorf("解析动态加载器镜像失败: %w", err)
	}

	if err := resolveImageImports(ctx, dbg, cache, img); err != nil {
		return fmt.Errorf("解析动态加载器导入失败: %w", err)
	}

	target, err := allocateLoaderMemory(ctx, dbg, img.GetImageSize())
	if err != nil {
		return fmt.Errorf("分配动态加载器内存失败: %w", err)
	}

	if err := img.Relocate(target); err != nil {
		// TODO: free the pool allocated above once a free-pool primitive
		// exists at this layer.
		return fmt.Errorf("重定位动态加载器镜像失败: %w", err)
	}

	if err := installLoaderImage(ctx, dbg, img.GetEntrypoint(), img.Bytes()); err != nil {
		// TODO: free the pool allocated above.
		return fmt.Errorf("上传动态加载器镜像失败: %w", err)
	}

	// TLS is checked only now, after allocation/relocation/upload have all
	// already happened, matching InstallDynamicDXTLoader's own ordering:
	// the allocation is made regardless, and TLS support is refused as a
	// final acceptance check rather than a pre-flight one.
	callbacks, err := img.GetTLSInitializers()
	if err != nil {
		return fmt.Errorf("解析TLS回调失败: %w", err)
	}
	if len(callbacks) > 0 {
		// TODO: free the pool allocated above.
		return fmt.Errorf("动态加载器声明了 %d 个TLS回调，执行TLS回调未实现", len(callbacks))
	}

	log.Log("dynamic loader installed at 0x%08X (%d bytes)", target, img.GetImageSize())
	return nil
}

// resolveImageImports resolves every import slot in img, preferring the
// export cache and falling back to a bulk ldxt!r round trip for the rest,
// then patches each resolved address directly into the image.
func resolveImageImports(ctx context.Context, dbg xbdm.Debugger, cache *xbdm.ExportCache, img *xbdmpe.Image) error {
	imports := img.GetImports()
	if len(imports) == 0 {
		return nil
	}

	type pendingEntry struct {
		importIdx int
		module    string
		ordinal   uint32
		addr      uint32
	}

	var pending []pendingEntry
	for i, imp := range imports {
		ordinal := imp.Ordinal
		if imp.Name != "" {
			table, ok := nameToOrdinal[imp.Library]
			if !ok {
				return fmt.Errorf("模块 %q 没有可用的名称映射表，无法解析导入 %s", imp.Library, imp.String())
			}
			resolved, ok := table[imp.Name]
			if !ok {
				return fmt.Errorf("模块 %q 中找不到导出名 %q (%s)", imp.Library, imp.Name, imp.String())
			}
			ordinal = resolved
		}

		if addr, ok := cache.LookupCached(imp.Library, ordinal); ok {
			if err := img.PatchImport(imp.ThunkRVA, addr); err != nil {
				return err
			}
			continue
		}

		pending = append(pending, pendingEntry{importIdx: i, module: imp.Library, ordinal: ordinal})
	}

	if len(pending) == 0 {
		return nil
	}

	baseByModule := make(map[string]uint32)
	for _, p := range pending {
		if _, ok := baseByModule[p.module]; ok {
			continue
		}
		base, err := cache.BaseAddress(ctx, dbg, p.module)
		if err != nil {
			return fmt.Errorf("获取模块 %q 基址失败: %w", p.module, err)
		}
		baseByModule[p.module] = base
	}

	requests := make([]xbdm.BulkResolveRequest, len(pending))
	for i := range pending {
		requests[i] = xbdm.BulkResolveRequest{
			Base:    baseByModule[pending[i].module],
			Ordinal: pending[i].ordinal,
			Out:     &pending[i].addr,
		}
	}

	if err := xbdm.BulkResolve(ctx, dbg, requests); err != nil {
		return fmt.Errorf("批量解析导入失败: %w", err)
	}

	for _, p := range pending {
		cache.Store(p.module, p.ordinal, p.addr)
		if err := img.PatchImport(imports[p.importIdx].ThunkRVA, p.addr); err != nil {
			return err
		}
	}

	return nil
}
