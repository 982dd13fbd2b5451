package healing

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// Diagnoser decides whether a matched pattern really explains an alert.
type Diagnoser interface {
	Confirm(ctx context.Context, pattern models.FaultPattern, event models.AlertEvent) (models.Confirmation, error)
}

// HeuristicDiagnoser confirms when any declared condition names the alert's metric.
type HeuristicDiagnoser struct{}

// Confirm never fails.
func (HeuristicDiagnoser) Confirm(_ context.Context, pattern models.FaultPattern, event models.AlertEvent) (models.Confirmation, error) {
	for _, cond := range pattern.Conditions {
		if cond.Metric == event.Metric {
			return models.Confirmation{
				Confirmed:  true,
				Confidence: 0.6,
				Reasoning:  fmt.Sprintf("alert metric %s is declared by pattern %s", event.Metric, pattern.Name),
				Source:     "heuristic",
			}, nil
		}
	}
	return models.Confirmation{
		Confirmed:  false,
		Confidence: 0.2,
		Reasoning:  fmt.Sprintf("pattern %s does not declare metric %s", pattern.Name, event.Metric),
		Source:     "heuristic",
	}, nil
}

const diagnoseSystemPrompt = `You are a network operations engineer reviewing an automated remediation.
Decide whether the fault pattern explains the alert. Answer on the first line with
CONFIRMED or REJECTED, then "confidence: <0..1>", then one short paragraph of reasoning.`

var confidencePattern = regexp.MustCompile(`(?i)confidence\s*[:=]\s*([0-9]*\.?[0-9]+)`)

// AnalysisDiagnoser asks the analysis backend and falls back to the heuristic
// when the backend is unavailable or its answer cannot be read.
type AnalysisDiagnoser struct {
	memo     *analysis.Memoizer
	fallback Diagnoser
	logger   *slog.Logger
}

// NewAnalysisDiagnoser wires the memoised analyzer.
func NewAnalysisDiagnoser(memo *analysis.Memoizer, logger *slog.Logger) *AnalysisDiagnoser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisDiagnoser{memo: memo, fallback: HeuristicDiagnoser{}, logger: logger}
}

// Confirm returns the analysis verdict or the heuristic one.
func (d *AnalysisDiagnoser) Confirm(ctx context.Context, pattern models.FaultPattern, event models.AlertEvent) (models.Confirmation, error) {
	if d.memo == nil || !d.memo.Available() {
		return d.fallback.Confirm(ctx, pattern, event)
	}

	fingerprint := cache.Fingerprint("diagnose", pattern.ID, event.Fingerprint())
	answer, err := d.memo.Analyze(ctx, fingerprint, diagnoseSystemPrompt, diagnosePrompt(pattern, event))
	if err != nil {
		d.logger.Warn("diagnosis fell back to heuristic", slog.String("pattern_id", pattern.ID), slog.Any("error", err))
		return d.fallback.Confirm(ctx, pattern, event)
	}
	verdict, ok := parseVerdict(answer)
	if !ok {
		d.logger.Warn("diagnosis answer unreadable", slog.String("pattern_id", pattern.ID))
		return d.fallback.Confirm(ctx, pattern, event)
	}
	return verdict, nil
}

func diagnosePrompt(pattern models.FaultPattern, event models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s\nMetric: %s", event.Message, event.Metric)
	if event.Label != "" {
		fmt.Fprintf(&b, " (%s)", event.Label)
	}
	fmt.Fprintf(&b, "\nValue: %g, threshold %s %g, severity %s\n\n", event.Value, event.Operator.Symbol(), event.Threshold, event.Severity)
	fmt.Fprintf(&b, "Pattern: %s\n%s\nConditions:\n", pattern.Name, pattern.Description)
	for _, c := range pattern.Conditions {
		fmt.Fprintf(&b, "- %s %s %g\n", c.Metric, c.Operator.Symbol(), c.Threshold)
	}
	fmt.Fprintf(&b, "\nRemediation script:\n%s\n", pattern.RemediationScript)
	return b.String()
}

func parseVerdict(answer string) (models.Confirmation, bool) {
	lines := strings.SplitN(strings.TrimSpace(answer), "\n", 2)
	head := strings.ToUpper(lines[0])

	var confirmed bool
	switch {
	case strings.Contains(head, "REJECTED"):
		confirmed = false
	case strings.Contains(head, "CONFIRMED"):
		confirmed = true
	default:
		return models.Confirmation{}, false
	}

	confidence := 0.5
	if m := confidencePattern.FindStringSubmatch(answer); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			confidence = v
		}
	}
	reasoning := ""
	if len(lines) > 1 {
		reasoning = strings.TrimSpace(confidencePattern.ReplaceAllString(lines[1], ""))
	}
	return models.Confirmation{
		Confirmed:  confirmed,
		Confidence: confidence,
		Reasoning:  reasoning,
		Source:     "analysis",
	}, true
}
