package remediation

import (
	"regexp"
	"strings"

	"github.com/miradorstack/mirador-autopilot/internal/healing"
	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Commands touching these areas always need an operator, whatever their declared risk.
var criticalConfig = regexp.MustCompile(`(?i)\buser\b|/user\b|password|identity|firewall|\brout(e|es|ing)\b|/ip/route|certificate|\breset|reboot|interface\b.*\bdisable\b|/interface(/\S+)?/disable`)

var readOnlyVerbs = map[string]bool{
	"print": true, "monitor": true, "monitor-traffic": true, "ping": true,
	"get": true, "export": true, "find": true,
}

// IsCritical reports whether command touches security- or reachability-critical configuration.
func IsCritical(command string) bool {
	if criticalConfig.MatchString(command) {
		return true
	}
	for _, path := range commandPaths(command) {
		if criticalConfig.MatchString(path) {
			return true
		}
	}
	return false
}

// IsReadOnly reports whether every command in command only reads device state.
func IsReadOnly(command string) bool {
	paths := commandPaths(command)
	if len(paths) == 0 {
		return false
	}
	for _, path := range paths {
		verb := path[strings.LastIndex(path, "/")+1:]
		if !readOnlyVerbs[verb] {
			return false
		}
	}
	return true
}

// AutoExecutable decides whether a step may run without an operator.
func AutoExecutable(command string, risk models.RiskLevel) bool {
	if risk == models.RiskHigh || IsCritical(command) {
		return false
	}
	return IsReadOnly(command) || risk == models.RiskLow
}

// ClassifyRisk assigns a risk to a command with no declared risk.
func ClassifyRisk(command string) models.RiskLevel {
	switch {
	case IsCritical(command):
		return models.RiskHigh
	case IsReadOnly(command):
		return models.RiskLow
	default:
		return models.RiskMedium
	}
}

func commandPaths(command string) []string {
	instructions, err := healing.ParseScript(command)
	if err != nil {
		return nil
	}
	var paths []string
	for _, in := range instructions {
		if in.Kind == healing.InstructionExecute {
			paths = append(paths, in.Command)
		}
	}
	return paths
}
