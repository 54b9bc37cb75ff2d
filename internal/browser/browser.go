// Package browser 启动带远程调试端口的 Chrome/Edge 作为拦截目标
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"mitmhijack/pkg/domain"

	"github.com/tidwall/gjson"
)

const (
	defaultPort  = 9222
	readyTimeout = 10 * time.Second
	pollInterval = 300 * time.Millisecond
)

// Options 浏览器启动选项
type Options struct {
	ExecPath            string   // 浏览器可执行文件路径，为空时自动查找
	UserDataDir         string   // 用户数据目录，为空时使用临时目录
	RemoteDebuggingPort int      // CDP 端口，0 表示 9222
	StrictPort          bool     // 端口被占用时直接失败而不是改用随机端口
	Headless            bool     // 是否以无头模式启动
	ProxyServer         string   // 下游代理，作为 --proxy-server 传入
	Args                []string // 额外启动参数
	Env                 []string // 额外环境变量
}

// Browser 已启动的浏览器进程句柄
type Browser struct {
	cmd         *exec.Cmd
	DevToolsURL string
	Port        int
	Version     string // /json/version 中的 Browser 字段
}

// baseArgs 关闭与拦截无关的后台流量
var baseArgs = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-breakpad",
	"--disable-client-side-phishing-detection",
	"--disable-default-apps",
	"--disable-extensions",
	"--disable-hang-monitor",
	"--disable-prompt-on-repost",
	"--disable-renderer-backgrounding",
	"--disable-sync",
	"--disable-translate",
	"--metrics-recording-only",
	"--safebrowsing-disable-auto-update",
}

// candidates 各平台的安装位置，Chrome 优先
var candidates = map[string][]string{
	"windows": {
		filepath.Join(os.Getenv("ProgramFiles"), "Google", "Chrome", "Application", "chrome.exe"),
		filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google", "Chrome", "Application", "chrome.exe"),
		filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "Application", "chrome.exe"),
		filepath.Join(os.Getenv("ProgramFiles(x86)"), "Microsoft", "Edge", "Application", "msedge.exe"),
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		filepath.Join(os.Getenv("HOME"), "Applications", "Google Chrome.app", "Contents", "MacOS", "Google Chrome"),
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/usr/bin/microsoft-edge",
	},
}

var lookupNames = []string{"chrome", "google-chrome", "chromium", "chromium-browser", "msedge", "microsoft-edge"}

// Start 启动浏览器并等待 DevTools 就绪
func Start(ctx context.Context, opts Options) (*Browser, error) {
	exe := opts.ExecPath
	if exe == "" {
		exe = Find()
	}
	if exe == "" {
		return nil, fmt.Errorf("%w: no chrome or edge executable found", domain.ErrBrowserStartFailed)
	}

	port := opts.RemoteDebuggingPort
	if port == 0 {
		port = defaultPort
	}
	port, err := pickPort(port, opts.StrictPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBrowserStartFailed, err)
	}

	cmd := exec.CommandContext(ctx, exe, buildLaunchArgs(port, opts)...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBrowserStartFailed, err)
	}

	b := &Browser{cmd: cmd, DevToolsURL: fmt.Sprintf("http://127.0.0.1:%d", port), Port: port}
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	version, err := waitDevToolsReady(waitCtx, b.DevToolsURL)
	if err != nil {
		_ = b.Stop(2 * time.Second)
		return nil, fmt.Errorf("%w: %w", domain.ErrBrowserStartFailed, err)
	}
	b.Version = version
	return b, nil
}

// Stop 结束浏览器进程
func (b *Browser) Stop(timeout time.Duration) error {
	if b == nil || b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	_ = b.cmd.Process.Kill()
	select {
	case <-time.After(timeout):
		return errors.New("browser stop timeout")
	case err := <-done:
		return err
	}
}

// Find 返回本机可用的浏览器路径，找不到时为空
func Find() string {
	for _, p := range candidates[runtime.GOOS] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, name := range lookupNames {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// pickPort 尝试使用指定端口，被占用时 strict 直接报错，否则选择随机空闲端口
func pickPort(preferred int, strict bool) (int, error) {
	if preferred > 0 {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred))
		if err == nil {
			_ = l.Close()
			return preferred, nil
		}
		if strict {
			return 0, fmt.Errorf("port %d in use: %w", preferred, err)
		}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func buildLaunchArgs(port int, opts Options) []string {
	args := make([]string, 0, len(baseArgs)+8+len(opts.Args))
	args = append(args, fmt.Sprintf("--remote-debugging-port=%d", port))
	args = append(args, baseArgs...)

	if opts.ProxyServer != "" {
		args = append(args, "--proxy-server="+opts.ProxyServer)
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	dir := opts.UserDataDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("mitmhijack-browser-%d", time.Now().Unix()))
	}
	_ = os.MkdirAll(dir, 0o755)
	args = append(args, "--user-data-dir="+dir)

	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	return append(args, opts.Args...)
}

// waitDevToolsReady 轮询 /json/version，直到返回 webSocketDebuggerUrl
func waitDevToolsReady(ctx context.Context, base string) (string, error) {
	url := base + "/json/version"
	cli := &http.Client{Timeout: 500 * time.Millisecond}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("devtools not ready: %w", ctx.Err())
		case <-ticker.C:
			if v, ok := fetchVersion(ctx, cli, url); ok {
				return v, nil
			}
		}
	}
}

func fetchVersion(ctx context.Context, cli *http.Client, url string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := cli.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", false
	}
	res := gjson.GetManyBytes(body, "webSocketDebuggerUrl", "Browser")
	if res[0].String() == "" {
		return "", false
	}
	return res[1].String(), true
}
