// Package main provides the ddxt-install CLI: it dials an Xbox's XBDM
// session, bootstraps the dynamic loader chain if it isn't already
// running, and installs a DynDXT DLL through it. Shaped after PEPatch's
// cmd/pepatch/main.go: a package-level flag var block, a dispatch
// function, errors surfaced via colored stderr output before os.Exit(1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ZacharyZcR/xbdm-dyndxt/internal/install"
	"github.com/ZacharyZcR/xbdm-dyndxt/internal/transport"
	"github.com/fatih/color"
)

var (
	console = flag.String("addr", "", "Xbox XBDM地址 (格式: host:port)")
	dllPath = flag.String("dll", "", "要安装的DynDXT DLL路径")

	stage1Path = flag.String("stage1", "", "Stage-1引导负载二进制文件路径")
	stage2Path = flag.String("stage2", "", "Stage-2引导负载二进制文件路径")
	loaderPath = flag.String("loader", "", "动态加载器DLL二进制文件路径")

	timeout = flag.Duration("timeout", 30*time.Second, "连接超时时间；整个安装流程的时限为其20倍")
	verbose = flag.Bool("v", false, "详细模式：打印每一步的进度日志")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "\n错误: %v\n\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *console == "" {
		printUsage()
		return fmt.Errorf("必须指定 -addr")
	}
	if *dllPath == "" {
		return fmt.Errorf("必须指定 -dll")
	}

	payloads, err := loadPayloads()
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), *timeout)
	defer cancelDial()

	cyan := color.New(color.FgCyan)
	_, _ = cyan.Printf("正在连接 %s ...\n", *console)

	dbg, err := transport.Dial(dialCtx, *console)
	if err != nil {
		return err
	}
	defer func() { _ = dbg.Close() }()

	log := newLogger(*verbose)

	// The whole bootstrap+install pipeline runs sequentially on one logical
	// caller thread, so a single generous budget covers every step rather
	// than per-command timeouts.
	installCtx, cancelInstall := context.WithTimeout(context.Background(), *timeout*20)
	defer cancelInstall()

	_, _ = cyan.Printf("正在安装 %s ...\n", *dllPath)
	ok, message, err := install.Load(installCtx, dbg, payloads, log, *dllPath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("安装被拒绝: %s", message)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Println("\n✓ 安装成功")
	if message != "" {
		fmt.Println(message)
	}
	return nil
}

func loadPayloads() (install.Payloads, error) {
	if *stage1Path == "" || *stage2Path == "" || *loaderPath == "" {
		return install.Payloads{}, fmt.Errorf("必须指定 -stage1, -stage2 和 -loader（引导负载由外部提供，本工具不内置汇编器）")
	}

	stage1, err := os.ReadFile(*stage1Path)
	if err != nil {
		return install.Payloads{}, fmt.Errorf("读取stage1负载失败: %w", err)
	}
	stage2, err := os.ReadFile(*stage2Path)
	if err != nil {
		return install.Payloads{}, fmt.Errorf("读取stage2负载失败: %w", err)
	}
	loader, err := os.ReadFile(*loaderPath)
	if err != nil {
		return install.Payloads{}, fmt.Errorf("读取动态加载器负载失败: %w", err)
	}

	return install.Payloads{Stage1: stage1, Stage2: stage2, Loader: loader}, nil
}

func newLogger(verbose bool) func(format string, args ...any) {
	if !verbose {
		return nil
	}
	gray := color.New(color.FgHiBlack)
	return func(format string, args ...any) {
		_, _ = gray.Printf("  "+format+"\n", args...)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Println("\nddxt-install - 远程XBDM DynDXT安装工具")

	fmt.Println("\n用法:")
	fmt.Println("  ddxt-install -addr <host:port> -dll <path> -stage1 <path> -stage2 <path> -loader <path>")

	fmt.Println("\n选项:")
	fmt.Println("  -addr <host:port>  Xbox XBDM地址")
	fmt.Println("  -dll <路径>        要安装的DynDXT DLL")
	fmt.Println("  -stage1 <路径>     Stage-1引导负载二进制")
	fmt.Println("  -stage2 <路径>     Stage-2引导负载二进制")
	fmt.Println("  -loader <路径>     动态加载器DLL二进制")
	fmt.Println("  -timeout <时长>    连接超时时间，安装流程时限为其20倍 (默认: 30s)")
	fmt.Println("  -v                 详细模式")

	fmt.Println("\n示例:")
	fmt.Println("  ddxt-install -addr 192.168.1.50:731 -dll mymod.dll \\")
	fmt.Println("    -stage1 payloads/l1.bin -stage2 payloads/l2.bin -loader payloads/ldxt.dll")
	fmt.Println()
}
