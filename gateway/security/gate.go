// Package security gates the arbitrary-command entry points of the gateway.
package security

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/guseggert/hostgateway/gateway/command"
	"go.uber.org/zap"
)

// DeniedOutput is the Output of every denied command.
const DeniedOutput = "Command not allowed for security reasons"

var ErrDenied = errors.New("command not allowed")

// DefaultAllowed is used when a request does not bring its own allow-list.
var DefaultAllowed = []string{
	"ls", "cat", "grep", "find", "ps", "top", "free", "df", "du",
	"who", "uptime", "uname", "hostname", "pwd", "echo", "date",
}

// Mode selects how commands are matched against the allow-list and how they are executed.
type Mode string

const (
	// ModePrefix permits a command line that textually starts with an allow-list entry,
	// and runs it through the shell. Shell metacharacters after the prefix are not inspected.
	ModePrefix Mode = "prefix"
	// ModeArgv splits the command line into words, permits it if its leading words equal the words of an entry,
	// and executes the words directly without a shell.
	ModeArgv Mode = "argv"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeArgv:
		return ModeArgv, nil
	case ModePrefix:
		return ModePrefix, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", s)
	}
}

// Authorize reports whether command starts with one of the entries of allowList.
func Authorize(command string, allowList []string) bool {
	for _, allowed := range allowList {
		if allowed != "" && strings.HasPrefix(command, allowed) {
			return true
		}
	}
	return false
}

// Gate validates commands before they reach a Runner. Denied commands never reach the Runner.
type Gate struct {
	log      *zap.SugaredLogger
	runner   command.Runner
	mode     Mode
	allowed  []string
	allowAll bool
	rules    []Rule
	compiled []*regexp.Regexp
}

type Option func(g *Gate)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gate) {
		g.log = l
	}
}

func WithMode(m Mode) Option {
	return func(g *Gate) {
		g.mode = m
	}
}

// WithAllowed replaces DefaultAllowed as the list used for requests without their own allow-list.
func WithAllowed(allowed []string) Option {
	return func(g *Gate) {
		g.allowed = allowed
	}
}

// WithAllowAll turns off allow-list matching. Danger rules still apply.
func WithAllowAll(b bool) Option {
	return func(g *Gate) {
		g.allowAll = b
	}
}

func WithRules(rules []Rule) Option {
	return func(g *Gate) {
		g.rules = rules
	}
}

func NewGate(runner command.Runner, opts ...Option) (*Gate, error) {
	g := &Gate{
		log:     zap.NewNop().Sugar(),
		runner:  runner,
		mode:    ModeArgv,
		allowed: DefaultAllowed,
		rules:   DefaultRules(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.mode != ModeArgv && g.mode != ModePrefix {
		return nil, fmt.Errorf("unknown security mode %q", g.mode)
	}
	for _, rule := range g.rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling rule %q: %w", rule.Pattern, err)
		}
		g.compiled = append(g.compiled, re)
	}
	return g, nil
}

// Check decides whether line may run. On success it returns the Spec to run it with.
// An empty allowList means the gate's configured list.
func (g *Gate) Check(line string, allowList []string) (command.Spec, error) {
	if strings.TrimSpace(line) == "" {
		return command.Spec{}, fmt.Errorf("%w: empty command", ErrDenied)
	}
	for i, re := range g.compiled {
		if re.MatchString(line) {
			return command.Spec{}, fmt.Errorf("%w: %s", ErrDenied, g.rules[i].Message)
		}
	}

	list := allowList
	if len(list) == 0 {
		list = g.allowed
	}

	if g.mode == ModePrefix {
		if !g.allowAll && !Authorize(line, list) {
			return command.Spec{}, fmt.Errorf("%w: no allow-list entry is a prefix of the command", ErrDenied)
		}
		return command.Shell(line), nil
	}

	args, err := shlex.Split(line)
	if err != nil {
		return command.Spec{}, fmt.Errorf("%w: splitting command: %s", ErrDenied, err)
	}
	if len(args) == 0 {
		return command.Spec{}, fmt.Errorf("%w: empty command", ErrDenied)
	}
	if !g.allowAll && !matchArgv(args, list) {
		return command.Spec{}, fmt.Errorf("%w: %q is not in the allow-list", ErrDenied, args[0])
	}
	return command.Spec{Command: line, Args: args}, nil
}

// Run checks line and, if it is permitted, runs it.
func (g *Gate) Run(ctx context.Context, line string, allowList []string) command.Result {
	spec, err := g.Check(line, allowList)
	if err != nil {
		g.log.Infow("denied command", "Command", line, "Reason", err)
		return command.Failure(line, DeniedOutput, err.Error())
	}
	return g.runner.Run(ctx, spec)
}

func matchArgv(args []string, allowList []string) bool {
	for _, entry := range allowList {
		words := strings.Fields(entry)
		if len(words) == 0 || len(words) > len(args) {
			continue
		}
		matched := true
		for i, w := range words {
			if args[i] != w {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
