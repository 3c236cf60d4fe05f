package host

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"github.com/guseggert/hostgateway/gateway/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner answers with canned results keyed by command line and records every spec it sees.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]command.Result
	specs   []command.Spec
}

func (f *fakeRunner) Run(ctx context.Context, spec command.Spec) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if res, ok := f.results[spec.Display()]; ok {
		res.Command = spec.Display()
		return res
	}
	return command.Result{Success: false, Output: "not found", Command: spec.Display(), ExitCode: 127}
}

func (f *fakeRunner) Specs() []command.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Spec(nil), f.specs...)
}

func newServices(t *testing.T, runner command.Runner, opts ...Option) *Services {
	t.Helper()
	gate, err := security.NewGate(runner)
	require.NoError(t, err)
	mon := monitor.NewManager(nil, 2)
	t.Cleanup(mon.StopAll)
	opts = append([]Option{WithPlatform("linux")}, opts...)
	return New(runner, gate, mon, opts...)
}

func TestUnsupportedPlatform(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	s := newServices(t, runner, WithPlatform("darwin"))

	calls := map[string]func() command.Result{
		"system info":   func() command.Result { return s.SystemInfo(ctx) },
		"processes":     func() command.Result { return s.TopProcesses(ctx, 5) },
		"network info":  func() command.Result { return s.NetworkInfo(ctx) },
		"memory":        func() command.Result { return s.MemoryUsage(ctx) },
		"cpu":           func() command.Result { return s.CPUUsage(ctx) },
		"packages":      func() command.Result { return s.PackageCount(ctx) },
		"firewall":      func() command.Result { return s.FirewallStatus(ctx) },
		"service":       func() command.Result { return s.ServiceStatus(ctx, "sshd") },
		"execute":       func() command.Result { return s.Execute(ctx, "echo hi", []string{"echo"}) },
		"logged in":     func() command.Result { return s.LoggedInUsers(ctx) },
		"control":       func() command.Result { return s.ControlService(ctx, "sshd", ServiceRestart) },
		"hardware info": func() command.Result { return s.HardwareInfo(ctx) },
		"bad host":      func() command.Result { return s.Ping(ctx, "-x", 0) },
		"bad path":      func() command.Result { return s.FileInfo(ctx, "") },
		"bad service":   func() command.Result { return s.ServiceLogs(ctx, "-u", 10) },
		"bad pattern":   func() command.Result { return s.FindFiles(ctx, "", "") },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			res := call()
			assert.False(t, res.Success)
			assert.Equal(t, "This service is only available on Linux systems", res.Output)
			assert.Equal(t, ReasonUnsupported, res.Error)
		})
	}

	_, res := s.StartMonitoring(ctx, monitor.Options{}, func(monitor.Event) {})
	assert.False(t, res.Success)
	assert.Equal(t, "This service is only available on Linux systems", res.Output)

	assert.Empty(t, runner.Specs(), "no command may be spawned on an unsupported platform")

	p := s.Platform()
	assert.Equal(t, Platform{Current: "darwin", Required: "linux", Supported: false}, p)
}

func TestSystemInfoAggregates(t *testing.T) {
	runner := &fakeRunner{results: map[string]command.Result{
		"free -h": {Success: true, Output: "Mem: 1G"},
		"df -h":   {Success: true, Output: "/dev/sda1"},
		"uptime":  {Success: true, Output: "up 3 days"},
	}}
	s := newServices(t, runner)

	res := s.SystemInfo(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, map[string]string{
		"cpu":    "not found",
		"memory": "Mem: 1G",
		"disk":   "/dev/sda1",
		"uptime": "up 3 days",
	}, res.Data)
	assert.Len(t, runner.Specs(), 4)
}

func TestPackageCountFallback(t *testing.T) {
	runner := &fakeRunner{results: map[string]command.Result{
		"rpm -qa": {Success: true, Output: "bash-5.2.26-3.fc40.x86_64\nzlib-1.3.1-1.fc40.x86_64"},
	}}
	s := newServices(t, runner)

	res := s.PackageCount(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "rpm", res.Variant)
	assert.Equal(t, "2", res.Output)
	assert.Len(t, runner.Specs(), 2)

	runner = &fakeRunner{}
	s = newServices(t, runner)
	res = s.PackageCount(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "No supported package manager found", res.Output)
	assert.Equal(t, command.ReasonNoBackend, res.Error)
}

// A host without dpkg must fall through to the next package manager rather than count zero packages.
func TestPackageCountSkipsMissingManager(t *testing.T) {
	dir := t.TempDir()
	rpm := "#!/bin/sh\nprintf 'a-1.0\\nb-2.0\\nc-3.0\\n'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rpm"), []byte(rpm), 0o755))
	t.Setenv("PATH", dir)

	s := newServices(t, command.NewEngine())
	res := s.PackageCount(context.Background())
	require.True(t, res.Success, res.Output)
	assert.Equal(t, "rpm", res.Variant)
	assert.Equal(t, "3", res.Output)
}

func TestServiceStatusFallback(t *testing.T) {
	runner := &fakeRunner{}
	s := newServices(t, runner)

	res := s.ServiceStatus(context.Background(), "nginx")
	assert.False(t, res.Success)
	assert.Equal(t, "Service nginx not found or not accessible", res.Output)

	var lines []string
	for _, spec := range runner.Specs() {
		lines = append(lines, spec.Display())
	}
	assert.Equal(t, []string{"systemctl status nginx", "service nginx status", "systemctl is-active nginx"}, lines)
}

func TestParametersAreArguments(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	s := newServices(t, runner)

	s.Ping(ctx, "example.com; rm -rf /", 0)
	s.FindFiles(ctx, "*.log", "/var/log")
	s.DiskUsage(ctx, "")
	s.ServiceLogs(ctx, "sshd", 0)
	s.ControlService(ctx, "sshd", ServiceRestart)

	specs := runner.Specs()
	require.Len(t, specs, 5)
	assert.Equal(t, []string{"ping", "-c", "4", "example.com; rm -rf /"}, specs[0].Args)
	assert.Equal(t, []string{"find", "/var/log", "-name", "*.log", "-type", "f"}, specs[1].Args)
	assert.Equal(t, []string{"du", "-sh", "."}, specs[2].Args)
	assert.Equal(t, []string{"journalctl", "-u", "sshd", "-n", "50", "--no-pager"}, specs[3].Args)
	assert.Equal(t, []string{"sudo", "-n", "systemctl", "restart", "sshd"}, specs[4].Args)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	s := newServices(t, runner)

	results := []command.Result{
		s.Ping(ctx, "-f", 4),
		s.Traceroute(ctx, ""),
		s.DirectoryContents(ctx, "--help"),
		s.FindFiles(ctx, "", "."),
		s.FileInfo(ctx, ""),
		s.ServiceStatus(ctx, "ssh d"),
		s.ServiceLogs(ctx, "-x", 10),
		s.ControlService(ctx, "sshd", ServiceAction("mask")),
	}
	for _, res := range results {
		assert.False(t, res.Success)
		assert.Equal(t, ReasonInvalidArgument, res.Error)
	}
	assert.Empty(t, runner.Specs())
}

func TestTopProcessesLimit(t *testing.T) {
	runner := &fakeRunner{}
	s := newServices(t, runner)

	s.TopProcesses(context.Background(), 0)
	s.TopProcesses(context.Background(), 5)
	specs := runner.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "ps aux --sort=-%cpu | head -21", specs[0].Display())
	assert.Equal(t, "ps aux --sort=-%cpu | head -6", specs[1].Display())
}

func TestExecuteUsesGate(t *testing.T) {
	s := newServices(t, command.NewEngine())

	res := s.Execute(context.Background(), "echo hello", []string{"echo"})
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)

	res = s.Execute(context.Background(), "rm -rf /", []string{"echo"})
	assert.False(t, res.Success)
	assert.Equal(t, security.DeniedOutput, res.Output)
}

func TestMonitoring(t *testing.T) {
	if _, err := exec.LookPath("top"); err != nil {
		t.Skip("top is not installed")
	}
	s := newServices(t, command.NewEngine())

	events := make(chan monitor.Event, 256)
	h, res := s.StartMonitoring(context.Background(), monitor.Options{}, func(e monitor.Event) { events <- e })
	require.True(t, res.Success, res.Output)
	assert.NotEmpty(t, h.ID)
	assert.Greater(t, h.PID, 0)

	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == monitor.EventExit {
				return
			}
		case <-timeout:
			t.Fatal("monitoring session never exited")
		}
	}
}

func TestStopMonitoringUnknown(t *testing.T) {
	s := newServices(t, &fakeRunner{})
	res := s.StopMonitoring("nope")
	assert.False(t, res.Success)
	assert.Equal(t, monitor.ErrNoSession.Error(), res.Output)
}

func TestTerminalGate(t *testing.T) {
	engine := command.NewEngine()
	terminal, err := security.NewGate(engine, security.WithAllowAll(true))
	require.NoError(t, err)
	s := newServices(t, engine, WithTerminalGate(terminal))

	res := s.Terminal(context.Background(), "printf ok")
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)

	res = s.Execute(context.Background(), "printf ok", nil)
	assert.False(t, res.Success)
	assert.Equal(t, security.DeniedOutput, res.Output)

	res = s.Terminal(context.Background(), "rm -rf /")
	assert.False(t, res.Success)
	assert.Equal(t, security.DeniedOutput, res.Output)
}
