package healing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/device"
)

// InstructionKind distinguishes device commands from pauses.
type InstructionKind int

const (
	InstructionExecute InstructionKind = iota
	InstructionDelay
)

// Instruction is one parsed script line.
type Instruction struct {
	Kind    InstructionKind
	Line    int
	Command string
	Params  map[string]string
	Delay   time.Duration
}

// Words that end the menu path of a console command; bare words after one
// are item references and become the "numbers" parameter.
var commandVerbs = map[string]bool{
	"add": true, "disable": true, "enable": true, "export": true, "find": true,
	"flush": true, "get": true, "monitor": true, "monitor-traffic": true, "move": true,
	"ping": true, "print": true, "reboot": true, "remove": true, "reset": true,
	"reset-counters": true, "run": true, "set": true, "shutdown": true, "unset": true,
}

// ParseScript converts a remediation script into instructions.
//
// Blank lines and lines starting with # are ignored. ":delay 5s" (or a bare
// number of seconds) pauses. Any other line is a console command such as
// "/interface enable ether1 comment=\"uplink\"", converted to the API path
// "/interface/enable" with params {numbers: ether1, comment: uplink}.
// API-style "=key=value" words are accepted too.
func ParseScript(script string) ([]Instruction, error) {
	var out []Instruction
	for i, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineNo := i + 1

		if strings.HasPrefix(line, ":delay") {
			d, err := parseDelay(strings.TrimSpace(strings.TrimPrefix(line, ":delay")))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			out = append(out, Instruction{Kind: InstructionDelay, Line: lineNo, Delay: d})
			continue
		}

		words, err := splitWords(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		command, params := toAPICommand(words)
		if command == "" {
			return nil, fmt.Errorf("line %d: no command path in %q", lineNo, line)
		}
		out = append(out, Instruction{Kind: InstructionExecute, Line: lineNo, Command: command, Params: params})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("script has no instructions")
	}
	return out, nil
}

func parseDelay(spec string) (time.Duration, error) {
	if spec == "" {
		return 0, fmt.Errorf(":delay needs a duration")
	}
	if secs, err := strconv.ParseFloat(spec, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative delay %q", spec)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", spec)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative delay %q", spec)
	}
	return d, nil
}

// splitWords splits on whitespace, keeping double-quoted runs together.
func splitWords(line string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case !quoted && (r == ' ' || r == '\t'):
			if started {
				words = append(words, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		words = append(words, current.String())
	}
	return words, nil
}

func toAPICommand(words []string) (string, map[string]string) {
	var (
		path    []string
		items   []string
		params  map[string]string
		hasVerb bool
	)
	for _, word := range words {
		if key, value, ok := strings.Cut(strings.TrimPrefix(word, "="), "="); ok && key != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[key] = value
			continue
		}
		if hasVerb {
			items = append(items, word)
			continue
		}
		for _, seg := range strings.Split(word, "/") {
			if seg != "" {
				path = append(path, seg)
			}
		}
		if len(path) > 0 && commandVerbs[path[len(path)-1]] {
			hasVerb = true
		}
	}
	if len(items) > 0 {
		if params == nil {
			params = make(map[string]string)
		}
		if _, set := params["numbers"]; !set {
			params["numbers"] = strings.Join(items, ",")
		}
	}
	if len(path) == 0 {
		return "", params
	}
	return "/" + strings.Join(path, "/"), params
}

// Run executes a script's instructions in order against executor and stops at
// the first failing command. The returned output covers every command run.
// A nil sleep waits on a timer.
func Run(ctx context.Context, executor device.Executor, script string, sleep func(context.Context, time.Duration) error) (string, error) {
	instructions, err := ParseScript(script)
	if err != nil {
		return "", err
	}
	if sleep == nil {
		sleep = Sleep
	}
	var out strings.Builder
	for _, in := range instructions {
		switch in.Kind {
		case InstructionDelay:
			if err := sleep(ctx, in.Delay); err != nil {
				return out.String(), fmt.Errorf("line %d: %w", in.Line, err)
			}
		case InstructionExecute:
			result, err := executor.Execute(ctx, in.Command, in.Params)
			fmt.Fprintf(&out, "> %s\n", in.Command)
			if result != "" {
				out.WriteString(strings.TrimRight(result, "\n"))
				out.WriteByte('\n')
			}
			if err != nil {
				return out.String(), fmt.Errorf("line %d (%s): %w", in.Line, in.Command, err)
			}
		}
	}
	return out.String(), nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
