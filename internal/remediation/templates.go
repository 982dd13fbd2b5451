package remediation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Template is a canned plan selected by a regex over the root-cause text.
type Template struct {
	ID       string             `yaml:"id"`
	Match    string             `yaml:"match"`
	Summary  string             `yaml:"summary"`
	Steps    []TemplateStep     `yaml:"steps"`
	Rollback []TemplateRollback `yaml:"rollback"`

	re *regexp.Regexp
}

// TemplateStep is one step of a template. Duration is in seconds.
type TemplateStep struct {
	Description string           `yaml:"description"`
	Command     string           `yaml:"command"`
	Verify      string           `yaml:"verify"`
	Expect      string           `yaml:"expect"`
	Risk        models.RiskLevel `yaml:"risk"`
	Duration    int              `yaml:"duration"`
}

// TemplateRollback is one rollback step of a template.
type TemplateRollback struct {
	Description string `yaml:"description"`
	Command     string `yaml:"command"`
}

// TemplateFile is the YAML root of a template pack.
type TemplateFile struct {
	Templates []Template `yaml:"templates"`
}

// Matches reports whether text selects this template.
func (t *Template) Matches(text string) bool {
	return t.re != nil && t.re.MatchString(text)
}

func (t *Template) compile() error {
	if t.ID == "" {
		return errors.New("template id is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", t.ID)
	}
	re, err := regexp.Compile(t.Match)
	if err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	for i, step := range t.Steps {
		if step.Command == "" {
			return fmt.Errorf("template %s step %d has no command", t.ID, i+1)
		}
		switch step.Risk {
		case models.RiskLow, models.RiskMedium, models.RiskHigh:
		case "":
			t.Steps[i].Risk = models.RiskMedium
		default:
			return fmt.Errorf("template %s step %d: unknown risk %q", t.ID, i+1, step.Risk)
		}
	}
	t.re = re
	return nil
}

// LoadTemplates reads a template pack. An empty path or a missing file yields
// no templates and no error.
func LoadTemplates(path string, logger *slog.Logger) ([]Template, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("remediation template pack not found", slog.String("path", path))
			return nil, nil
		}
		return nil, err
	}
	var file TemplateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse template pack %s: %w", path, err)
	}
	for i := range file.Templates {
		if err := file.Templates[i].compile(); err != nil {
			return nil, err
		}
	}
	logger.Info("remediation templates loaded", slog.String("path", path), slog.Int("count", len(file.Templates)))
	return file.Templates, nil
}

func builtinTemplates() []Template {
	templates := []Template{
		{
			ID:      "cpu-saturation",
			Match:   `(?i)\bcpu\b|processor|load average`,
			Summary: "Reduce CPU pressure from caches and connection tracking",
			Steps: []TemplateStep{
				{Description: "Inspect CPU consumers", Command: "/system resource cpu print", Risk: models.RiskLow, Duration: 5},
				{Description: "Flush the DNS cache", Command: "/ip dns cache flush", Verify: "/ip dns cache print count-only", Risk: models.RiskLow, Duration: 5},
				{Description: "Shorten established TCP tracking timeout", Command: "/ip firewall connection tracking set tcp-established-timeout=1h", Risk: models.RiskMedium, Duration: 10},
			},
			Rollback: []TemplateRollback{
				{Description: "Restore the default established TCP timeout", Command: "/ip firewall connection tracking set tcp-established-timeout=1d"},
			},
		},
		{
			ID:      "memory-exhaustion",
			Match:   `(?i)memory|\bram\b|out of mem`,
			Summary: "Release memory held by buffers and caches",
			Steps: []TemplateStep{
				{Description: "Inspect memory usage", Command: "/system resource print", Verify: "/system resource print", Expect: "free-memory", Risk: models.RiskLow, Duration: 5},
				{Description: "Flush the DNS cache", Command: "/ip dns cache flush", Risk: models.RiskLow, Duration: 5},
				{Description: "Shrink the in-memory log buffer", Command: "/system logging action set memory memory-lines=100", Risk: models.RiskMedium, Duration: 5},
			},
			Rollback: []TemplateRollback{
				{Description: "Restore the default log buffer", Command: "/system logging action set memory memory-lines=1000"},
			},
		},
		{
			ID:      "interface-down",
			Match:   `(?i)(interface|link|port|ether\d*).*(down|flap|lost|not running)`,
			Summary: "Recover a failed link",
			Steps: []TemplateStep{
				{Description: "Inspect interface state", Command: "/interface print detail", Risk: models.RiskLow, Duration: 5},
				{Description: "Check link negotiation", Command: "/interface ethernet monitor ether1 once", Risk: models.RiskLow, Duration: 5},
				{Description: "Disable the interface", Command: "/interface disable ether1", Risk: models.RiskMedium, Duration: 5},
				{Description: "Re-enable the interface", Command: "/interface enable ether1", Verify: "/interface monitor-traffic ether1 once", Risk: models.RiskMedium, Duration: 10},
			},
			Rollback: []TemplateRollback{
				{Description: "Make sure the interface is enabled", Command: "/interface enable ether1"},
			},
		},
		{
			ID:      "dns-failure",
			Match:   `(?i)\bdns\b|name resolution|resolver`,
			Summary: "Restore name resolution",
			Steps: []TemplateStep{
				{Description: "Inspect resolver settings", Command: "/ip dns print", Risk: models.RiskLow, Duration: 5},
				{Description: "Flush the DNS cache", Command: "/ip dns cache flush", Risk: models.RiskLow, Duration: 5},
				{Description: "Probe an upstream resolver", Command: "/ping 1.1.1.1 count=3", Expect: "received=3", Verify: "/ping 1.1.1.1 count=3", Risk: models.RiskLow, Duration: 10},
			},
		},
		{
			ID:      "storage-full",
			Match:   `(?i)disk|storage|flash|no space`,
			Summary: "Free device storage",
			Steps: []TemplateStep{
				{Description: "List stored files", Command: "/file print", Risk: models.RiskLow, Duration: 5},
				{Description: "Reduce on-disk log retention", Command: "/system logging action set disk disk-lines-per-file=100", Risk: models.RiskMedium, Duration: 5},
				{Description: "Remove the pre-upgrade backup", Command: "/file remove auto-before-upgrade.backup", Risk: models.RiskHigh, Duration: 5},
			},
			Rollback: []TemplateRollback{
				{Description: "Restore on-disk log retention", Command: "/system logging action set disk disk-lines-per-file=1000"},
			},
		},
	}
	for i := range templates {
		if err := templates[i].compile(); err != nil {
			panic(err)
		}
	}
	return templates
}
