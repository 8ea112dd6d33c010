package chzzk

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	accessTokenRe = regexp.MustCompile(`(?i)"?(accTkn|accessToken|extraToken)"?\s*[:=]\s*"[^"]*"`)
	longTokenRe   = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type dropReasonSummary struct {
	total       int
	byCommand   map[string]int
	sampleByCmd map[string]string
}

// dropLogger aggregates refused frames and records into periodic summaries so
// a noisy channel does not flood the log.
type dropLogger struct {
	logger   *slog.Logger
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(logger *slog.Logger, now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dropLogger{
		logger:   logger,
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason string, cmd Command, sample string) {
	if d == nil {
		return
	}
	command := cmd.String()
	sample = sanitizeAndTruncate(sample, dropSampleMaxLen)
	if d.verbose {
		d.logger.Debug("chzzk: dropped record",
			"reason", reason,
			"command", command,
			"sample", sample,
		)
	}

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byCommand:   make(map[string]int),
			sampleByCmd: make(map[string]string),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byCommand[command]++
	if _, ok := entry.sampleByCmd[command]; !ok {
		entry.sampleByCmd[command] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		d.logger.Info("chzzk: dropped_"+reason,
			"total", rs.total,
			"commands", formatCommandCounts(rs.byCommand),
			"samples", formatCommandSamples(rs.sampleByCmd),
		)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")

	s = accessTokenRe.ReplaceAllString(s, `"$1":"[REDACTED]"`)
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// DropDebugFromEnv reports whether LIVECHAT_DEBUG_DROPS asks for per-drop
// debug lines.
func DropDebugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LIVECHAT_DEBUG_DROPS"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatCommandCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, cmd := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", cmd, counts[cmd]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatCommandSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, cmd := range sortedKeys(samples) {
		parts = append(parts, cmd+":'"+samples[cmd]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
