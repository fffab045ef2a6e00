package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStorage,
		checkRuntime,
		checkTelegram,
		checkNATS,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: "Run `xbot serve` once to write a starter file"}
	}
	detail := cfg.Fingerprint()
	if env := envSummary(config.ActiveEnvOverrides()); env != "" {
		detail += " env: " + env
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: detail}
}

// envSummary lists overrides as KEY=value with secrets masked.
func envSummary(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+shared.RedactEnvValue(k, shared.Redact(env[k])))
	}
	return strings.Join(parts, " ")
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.HeartbeatDir(), cfg.WorkersDir(), cfg.AuditDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkStorage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: StatusSkip, Message: "Config missing"}
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	backend, err := persistence.Open(openCtx, persistence.Config{
		Kind: cfg.Storage.Backend,
		Root: cfg.DataDir(),
		DSN:  cfg.Storage.DSN,
	})
	if err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Open %s backend failed: %v", cfg.Storage.Backend, err)}
	}
	defer backend.Close()

	const probeKey = "doctor/probe.json"
	stamp := []byte(fmt.Sprintf(`{"at":%q}`, time.Now().UTC().Format(time.RFC3339Nano)))
	if err := backend.Put(openCtx, probeKey, stamp); err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Write failed: %v", err)}
	}
	got, ok, err := backend.Get(openCtx, probeKey)
	if err != nil || !ok || string(got) != string(stamp) {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Read back failed: ok=%v err=%v", ok, err)}
	}

	return CheckResult{Name: "Storage", Status: StatusPass, Message: fmt.Sprintf("%s backend read/write ok", backend.Name())}
}

func checkRuntime(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtime", Status: StatusSkip, Message: "Config missing"}
	}

	commands := map[string]string{}
	for backend, cmd := range cfg.Workers.Commands {
		commands[backend] = cmd
	}
	if strings.TrimSpace(cfg.Workers.Command) != "" {
		if _, ok := commands[cfg.Workers.DefaultBackend]; !ok {
			commands[cfg.Workers.DefaultBackend] = cfg.Workers.Command
		}
	}
	remote := map[string]bool{}
	for _, b := range cfg.NATS.RemoteBackends {
		remote[b] = true
	}
	if len(commands) == 0 {
		if remote[cfg.Workers.DefaultBackend] {
			return CheckResult{Name: "Runtime", Status: StatusPass, Message: fmt.Sprintf("%s is served over NATS", cfg.Workers.DefaultBackend)}
		}
		return CheckResult{
			Name:    "Runtime",
			Status:  StatusWarn,
			Message: "No worker command configured; tasks will fail",
			Detail:  "Set workers.command or XBOT_WORKER_COMMAND",
		}
	}

	backends := make([]string, 0, len(commands))
	for b := range commands {
		backends = append(backends, b)
	}
	sort.Strings(backends)

	var details []string
	status := StatusPass
	for _, b := range backends {
		fields := strings.Fields(commands[b])
		if len(fields) == 0 {
			continue
		}
		if path, err := exec.LookPath(fields[0]); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found", b, fields[0]))
			status = StatusFail
		} else {
			details = append(details, fmt.Sprintf("%s: %s", b, path))
		}
	}
	if _, err := exec.LookPath("sh"); err != nil {
		details = append(details, "sh: missing (commands run through sh -c)")
		status = StatusFail
	}

	return CheckResult{
		Name:    "Runtime",
		Status:  status,
		Message: fmt.Sprintf("Checked %d worker command(s)", len(backends)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	if strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a token", Detail: "Set channels.telegram.token or TELEGRAM_TOKEN"}
	}
	if len(cfg.Channels.Telegram.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed_ids; every message will be rejected"}
	}

	const host = "api.telegram.org"
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func checkNATS(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.NATS.Enabled {
		return CheckResult{Name: "NATS", Status: StatusSkip, Message: "Bridge disabled"}
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("xbot-doctor"), nats.Timeout(5*time.Second))
	if err != nil {
		return CheckResult{Name: "NATS", Status: StatusFail, Message: fmt.Sprintf("Connect %s failed: %v", cfg.NATS.URL, err)}
	}
	defer nc.Close()
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		return CheckResult{Name: "NATS", Status: StatusFail, Message: fmt.Sprintf("Round trip failed: %v", err)}
	}
	rtt, _ := nc.RTT()
	return CheckResult{Name: "NATS", Status: StatusPass, Message: fmt.Sprintf("Connected to %s (rtt %s)", nc.ConnectedUrl(), rtt.Round(time.Microsecond))}
}
