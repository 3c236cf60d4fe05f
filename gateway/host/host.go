// Package host implements the fixed diagnostic and control operations of the gateway on top of the command engine.
//
// Every operation first checks that the gateway runs on the required platform, and reports a failure without
// spawning anything if it does not. Request parameters are always passed to commands as separate arguments,
// they are never spliced into a shell line.
package host

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"github.com/guseggert/hostgateway/gateway/security"
	"go.uber.org/zap"
)

const (
	DefaultPlatform     = "linux"
	DefaultProcessLimit = 20
	DefaultPingCount    = 4
	DefaultLogLines     = 50

	// ReasonUnsupported is the Error of results refused because of the platform.
	ReasonUnsupported = "unsupported platform"
	// ReasonInvalidArgument is the Error of results refused because of a bad parameter.
	ReasonInvalidArgument = "invalid argument"

	maxProcessLimit = 1000
	maxPingCount    = 100
	maxLogLines     = 10000

	packageUpdateTimeout = 5 * time.Minute
)

var serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

// Platform describes where the gateway runs and where it is meant to run.
type Platform struct {
	Current   string `json:"platform"`
	Required  string `json:"required"`
	Supported bool   `json:"supported"`
}

type Services struct {
	log      *zap.SugaredLogger
	runner   command.Runner
	gate     *security.Gate
	terminal *security.Gate
	monitor  *monitor.Manager
	current  string
	required string
}

type Option func(s *Services)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Services) {
		s.log = l
	}
}

// WithPlatform overrides the detected platform.
func WithPlatform(current string) Option {
	return func(s *Services) {
		s.current = current
	}
}

// WithTerminalGate sets the gate used by Terminal. It defaults to the gate passed to New.
func WithTerminalGate(g *security.Gate) Option {
	return func(s *Services) {
		s.terminal = g
	}
}

func WithRequiredPlatform(required string) Option {
	return func(s *Services) {
		s.required = required
	}
}

func New(runner command.Runner, gate *security.Gate, mon *monitor.Manager, opts ...Option) *Services {
	s := &Services{
		log:      zap.NewNop().Sugar(),
		runner:   runner,
		gate:     gate,
		monitor:  mon,
		current:  runtime.GOOS,
		required: DefaultPlatform,
	}
	for _, o := range opts {
		o(s)
	}
	if s.terminal == nil {
		s.terminal = gate
	}
	return s
}

func (s *Services) Platform() Platform {
	return Platform{
		Current:   s.current,
		Required:  s.required,
		Supported: s.supported(),
	}
}

func (s *Services) supported() bool {
	return strings.EqualFold(s.current, s.required)
}

func (s *Services) unsupported() command.Result {
	name := s.required
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return command.Failure("", fmt.Sprintf("This service is only available on %s systems", name), ReasonUnsupported)
}

func (s *Services) run(ctx context.Context, spec command.Spec) command.Result {
	if !s.supported() {
		return s.unsupported()
	}
	return s.runner.Run(ctx, spec)
}

func (s *Services) aggregate(ctx context.Context, specs map[string]command.Spec) command.Result {
	if !s.supported() {
		return s.unsupported()
	}
	return command.Compose(command.Aggregate(ctx, s.runner, specs))
}

func (s *Services) firstSuccess(ctx context.Context, chain command.Chain) command.Result {
	if !s.supported() {
		return s.unsupported()
	}
	return command.FirstSuccess(ctx, s.runner, chain)
}

func invalid(what, value string) command.Result {
	return command.Failure("", fmt.Sprintf("Invalid %s: %q", what, value), ReasonInvalidArgument)
}

// checkOperand rejects values that a command would parse as an option.
// The platform is checked first so unsupported hosts answer uniformly.
func (s *Services) checkOperand(what, value string) (command.Result, bool) {
	if !s.supported() {
		return s.unsupported(), false
	}
	if value == "" || strings.HasPrefix(value, "-") || strings.ContainsRune(value, 0) {
		return invalid(what, value), false
	}
	return command.Result{}, true
}

func (s *Services) checkServiceName(name string) (command.Result, bool) {
	if !s.supported() {
		return s.unsupported(), false
	}
	if !serviceNameRe.MatchString(name) || strings.HasPrefix(name, "-") {
		return invalid("service name", name), false
	}
	return command.Result{}, true
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// System information

func (s *Services) SystemInfo(ctx context.Context) command.Result {
	return s.aggregate(ctx, map[string]command.Spec{
		"cpu":    command.Argv("grep", "-m1", "model name", "/proc/cpuinfo"),
		"memory": command.Argv("free", "-h"),
		"disk":   command.Argv("df", "-h"),
		"uptime": command.Argv("uptime"),
	})
}

// TopProcesses lists the limit processes using the most CPU, with the ps header line.
func (s *Services) TopProcesses(ctx context.Context, limit int) command.Result {
	limit = clamp(limit, DefaultProcessLimit, maxProcessLimit)
	return s.run(ctx, command.Shell(fmt.Sprintf("ps aux --sort=-%%cpu | head -%d", limit+1)))
}

func (s *Services) SystemLoad(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("cat", "/proc/loadavg"))
}

func (s *Services) MemoryUsage(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("cat", "/proc/meminfo"))
}

func (s *Services) CPUUsage(ctx context.Context) command.Result {
	return s.run(ctx, command.Shell(`top -bn1 | grep "Cpu(s)"`))
}

func (s *Services) Temperature(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("sensors"))
}

// Network

func (s *Services) NetworkInfo(ctx context.Context) command.Result {
	return s.aggregate(ctx, map[string]command.Spec{
		"interfaces":  command.Argv("ip", "addr", "show"),
		"connections": command.Argv("netstat", "-tuln"),
		"routing":     command.Argv("route", "-n"),
	})
}

func (s *Services) Ping(ctx context.Context, host string, count int) command.Result {
	if res, ok := s.checkOperand("host", host); !ok {
		return res
	}
	count = clamp(count, DefaultPingCount, maxPingCount)
	return s.run(ctx, command.Argv("ping", "-c", strconv.Itoa(count), host))
}

func (s *Services) Traceroute(ctx context.Context, host string) command.Result {
	if res, ok := s.checkOperand("host", host); !ok {
		return res
	}
	return s.run(ctx, command.Argv("traceroute", host))
}

func (s *Services) OpenPorts(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("netstat", "-tuln"))
}

// Filesystem

func (s *Services) DiskUsage(ctx context.Context, path string) command.Result {
	if path == "" {
		path = "."
	}
	if res, ok := s.checkOperand("path", path); !ok {
		return res
	}
	return s.run(ctx, command.Argv("du", "-sh", path))
}

func (s *Services) DirectoryContents(ctx context.Context, path string) command.Result {
	if path == "" {
		path = "."
	}
	if res, ok := s.checkOperand("path", path); !ok {
		return res
	}
	return s.run(ctx, command.Argv("ls", "-la", path))
}

func (s *Services) FindFiles(ctx context.Context, pattern, dir string) command.Result {
	if dir == "" {
		dir = "."
	}
	if res, ok := s.checkOperand("directory", dir); !ok {
		return res
	}
	if pattern == "" {
		return invalid("pattern", pattern)
	}
	return s.run(ctx, command.Argv("find", dir, "-name", pattern, "-type", "f"))
}

func (s *Services) FileInfo(ctx context.Context, path string) command.Result {
	if res, ok := s.checkOperand("file path", path); !ok {
		return res
	}
	return s.aggregate(ctx, map[string]command.Spec{
		"stat": command.Argv("stat", path),
		"type": command.Argv("file", path),
		"size": command.Argv("stat", "-c", "%s", path),
	})
}

// Packages

// PackageCount reports the number of installed packages. Each candidate lists one package per line and the
// lines are counted here, so a missing package manager fails its candidate instead of counting zero.
func (s *Services) PackageCount(ctx context.Context) command.Result {
	res := s.firstSuccess(ctx, command.Chain{
		Candidates: []command.Candidate{
			{Name: "dpkg", Spec: command.Argv("dpkg-query", "-W")},
			{Name: "rpm", Spec: command.Argv("rpm", "-qa")},
			{Name: "pacman", Spec: command.Argv("pacman", "-Q")},
		},
		Exhausted: "No supported package manager found",
	})
	if res.Success {
		res.Output = strconv.Itoa(countLines(res.Output))
	}
	return res
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func (s *Services) PackageUpdate(ctx context.Context) command.Result {
	return s.firstSuccess(ctx, command.Chain{
		Candidates: []command.Candidate{
			{Name: "apt", Spec: command.Argv("apt", "update").WithTimeout(packageUpdateTimeout)},
			{Name: "yum", Spec: command.Argv("yum", "update").WithTimeout(packageUpdateTimeout)},
			{Name: "pacman", Spec: command.Argv("pacman", "-Sy").WithTimeout(packageUpdateTimeout)},
		},
		Exhausted: "Failed to update package list",
	})
}

// Services

func (s *Services) ServiceStatus(ctx context.Context, name string) command.Result {
	if res, ok := s.checkServiceName(name); !ok {
		return res
	}
	return s.firstSuccess(ctx, command.Chain{
		Candidates: []command.Candidate{
			{Name: "systemctl", Spec: command.Argv("systemctl", "status", name)},
			{Name: "service", Spec: command.Argv("service", name, "status")},
			{Name: "systemctl-is-active", Spec: command.Argv("systemctl", "is-active", name)},
		},
		Exhausted: fmt.Sprintf("Service %s not found or not accessible", name),
	})
}

// ServiceAction is a lifecycle action on a system service.
type ServiceAction string

const (
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
)

// ControlService runs a lifecycle action through non-interactive sudo.
func (s *Services) ControlService(ctx context.Context, name string, action ServiceAction) command.Result {
	if res, ok := s.checkServiceName(name); !ok {
		return res
	}
	switch action {
	case ServiceStart, ServiceStop, ServiceRestart:
	default:
		return invalid("service action", string(action))
	}
	s.log.Infow("controlling service", "Service", name, "Action", action)
	return s.run(ctx, command.Argv("sudo", "-n", "systemctl", string(action), name))
}

// Logs

func (s *Services) SystemLogs(ctx context.Context, lines int) command.Result {
	lines = clamp(lines, DefaultLogLines, maxLogLines)
	return s.run(ctx, command.Argv("journalctl", "-n", strconv.Itoa(lines), "--no-pager"))
}

func (s *Services) ServiceLogs(ctx context.Context, name string, lines int) command.Result {
	if res, ok := s.checkServiceName(name); !ok {
		return res
	}
	lines = clamp(lines, DefaultLogLines, maxLogLines)
	return s.run(ctx, command.Argv("journalctl", "-u", name, "-n", strconv.Itoa(lines), "--no-pager"))
}

// Security, hardware and users

func (s *Services) FirewallStatus(ctx context.Context) command.Result {
	return s.firstSuccess(ctx, command.Chain{
		Candidates: []command.Candidate{
			{Name: "ufw", Spec: command.Argv("ufw", "status")},
			{Name: "iptables", Spec: command.Argv("iptables", "-L")},
			{Name: "firewalld", Spec: command.Argv("firewall-cmd", "--state")},
		},
		Exhausted: "No firewall configuration found",
	})
}

func (s *Services) HardwareInfo(ctx context.Context) command.Result {
	return s.aggregate(ctx, map[string]command.Spec{
		"cpu":    command.Argv("lscpu"),
		"memory": command.Argv("free", "-h"),
		"disk":   command.Argv("lsblk"),
		"pci":    command.Argv("lspci"),
	})
}

func (s *Services) Users(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("cat", "/etc/passwd"))
}

func (s *Services) LoggedInUsers(ctx context.Context) command.Result {
	return s.run(ctx, command.Argv("who"))
}

// Arbitrary commands and monitoring

// Execute runs an arbitrary command line if the security gate permits it.
func (s *Services) Execute(ctx context.Context, line string, allowList []string) command.Result {
	if !s.supported() {
		return s.unsupported()
	}
	return s.gate.Run(ctx, line, allowList)
}

// Terminal runs a command line typed into an interactive session, under the terminal gate's policy.
func (s *Services) Terminal(ctx context.Context, line string) command.Result {
	if !s.supported() {
		return s.unsupported()
	}
	return s.terminal.Run(ctx, line, nil)
}

// StartMonitoring starts a "top" snapshot session, repeated every opts.Interval if positive.
func (s *Services) StartMonitoring(ctx context.Context, opts monitor.Options, onEvent func(monitor.Event)) (monitor.Handle, command.Result) {
	if !s.supported() {
		return monitor.Handle{}, s.unsupported()
	}
	spec := command.Argv("top", "-b", "-n", "1")
	h, err := s.monitor.Start(ctx, spec, opts, onEvent)
	if err != nil {
		return monitor.Handle{}, command.Failure(spec.Display(), err.Error(), "monitoring failed")
	}
	return h, command.Result{Success: true, Command: spec.Display()}
}

func (s *Services) StopMonitoring(id string) command.Result {
	if err := s.monitor.Stop(id); err != nil {
		return command.Failure("", err.Error(), "monitoring failed")
	}
	return command.Result{Success: true, Output: "stopped"}
}
