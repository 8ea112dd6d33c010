package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Sinks []string
	Sink  SinkConfig
	Chzzk ChzzkConfig
	HTTP  HTTPConfig
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path string
}

type ChzzkConfig struct {
	Channel          string
	ReceiveTimeoutMS int
	MaxAttempts      int
	NIDAut           string
	NIDSes           string
	CookieFile       string
	Proxy            string
	IDStrategy       string
	QueueCapacity    int
	DebugDrops       bool
}

type HTTPConfig struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

const (
	defaultSQLitePath       = "chat.db"
	defaultBatchSize        = 1
	defaultFlushMS          = 0
	defaultReceiveTimeoutMS = 5000
	defaultMaxAttempts      = 5
	defaultIDStrategy       = "hash"
	defaultRateLimitRPS     = 20
	defaultRateLimitBurst   = 40
)

func Load() Config {
	cfg := Config{}

	raw := strings.TrimSpace(os.Getenv("LIVECHAT_SINKS"))
	if raw == "" {
		raw = "sqlite"
	}
	cfg.Sinks = splitList(raw)

	cfg.Sink.SQLite.Path = strings.TrimSpace(os.Getenv("LIVECHAT_SINK_SQLITE_PATH"))
	if cfg.Sink.SQLite.Path == "" {
		cfg.Sink.SQLite.Path = defaultSQLitePath
	}
	cfg.Sink.BatchSize = readInt("LIVECHAT_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("LIVECHAT_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Chzzk.Channel = strings.TrimSpace(os.Getenv("LIVECHAT_CHANNEL"))
	cfg.Chzzk.ReceiveTimeoutMS = readInt("LIVECHAT_RECEIVE_TIMEOUT_MS", defaultReceiveTimeoutMS)
	cfg.Chzzk.MaxAttempts = readInt("LIVECHAT_MAX_ATTEMPTS", defaultMaxAttempts)
	cfg.Chzzk.NIDAut = strings.TrimSpace(os.Getenv("LIVECHAT_NID_AUT"))
	cfg.Chzzk.NIDSes = strings.TrimSpace(os.Getenv("LIVECHAT_NID_SES"))
	cfg.Chzzk.CookieFile = strings.TrimSpace(os.Getenv("LIVECHAT_COOKIE_FILE"))
	cfg.Chzzk.Proxy = strings.TrimSpace(os.Getenv("LIVECHAT_PROXY"))
	cfg.Chzzk.IDStrategy = strings.ToLower(strings.TrimSpace(os.Getenv("LIVECHAT_ID_STRATEGY")))
	if cfg.Chzzk.IDStrategy == "" {
		cfg.Chzzk.IDStrategy = defaultIDStrategy
	}
	cfg.Chzzk.QueueCapacity = readInt("LIVECHAT_QUEUE_CAPACITY", 0)
	cfg.Chzzk.DebugDrops = readBool("LIVECHAT_DEBUG_DROPS", false)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("LIVECHAT_HTTP_ADDR"))
	cfg.HTTP.RateLimitRPS = readInt("LIVECHAT_HTTP_RATE_RPS", defaultRateLimitRPS)
	cfg.HTTP.RateLimitBurst = readInt("LIVECHAT_HTTP_RATE_BURST", defaultRateLimitBurst)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("LIVECHAT_HTTP_CORS_ORIGINS"))

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// HasCookies reports whether both session cookies came from the environment.
func (c Config) HasCookies() bool {
	return c.Chzzk.NIDAut != "" && c.Chzzk.NIDSes != ""
}

func (c Config) Summary() Summary {
	return Summary{
		Sinks:      append([]string(nil), c.Sinks...),
		SQLitePath: c.Sink.SQLite.Path,
		BatchSize:  c.Sink.BatchSize,
		FlushMaxMS: c.Sink.FlushMaxMS,
		Chzzk: ChzzkSummary{
			Channel:          c.Chzzk.Channel,
			ReceiveTimeoutMS: c.Chzzk.ReceiveTimeoutMS,
			MaxAttempts:      c.Chzzk.MaxAttempts,
			Cookies:          c.HasCookies() || c.Chzzk.CookieFile != "",
			CookieFile:       c.Chzzk.CookieFile,
			Proxy:            redactProxy(c.Chzzk.Proxy),
			IDStrategy:       c.Chzzk.IDStrategy,
			QueueCapacity:    c.Chzzk.QueueCapacity,
		},
		HTTPAddr: c.HTTP.Addr,
	}
}

type Summary struct {
	Sinks      []string     `json:"sinks"`
	SQLitePath string       `json:"sqlite_path"`
	BatchSize  int          `json:"batch"`
	FlushMaxMS int          `json:"flush_ms"`
	Chzzk      ChzzkSummary `json:"chzzk"`
	HTTPAddr   string       `json:"http_addr,omitempty"`
}

type ChzzkSummary struct {
	Channel          string `json:"channel"`
	ReceiveTimeoutMS int    `json:"receive_timeout_ms"`
	MaxAttempts      int    `json:"max_attempts"`
	Cookies          bool   `json:"cookies"`
	CookieFile       string `json:"cookie_file,omitempty"`
	Proxy            string `json:"proxy,omitempty"`
	IDStrategy       string `json:"id_strategy"`
	QueueCapacity    int    `json:"queue_capacity"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"sinks": append([]string(nil), c.Sinks...),
		"sink": map[string]any{
			"sqlite_path": c.Sink.SQLite.Path,
			"batch_size":  c.Sink.BatchSize,
			"flush_ms":    c.Sink.FlushMaxMS,
		},
		"chzzk": map[string]any{
			"channel":            c.Chzzk.Channel,
			"receive_timeout_ms": c.Chzzk.ReceiveTimeoutMS,
			"max_attempts":       c.Chzzk.MaxAttempts,
			"nid_aut":            redactString(c.Chzzk.NIDAut),
			"nid_ses":            redactString(c.Chzzk.NIDSes),
			"cookie_file":        c.Chzzk.CookieFile,
			"proxy":              redactProxy(c.Chzzk.Proxy),
			"id_strategy":        c.Chzzk.IDStrategy,
			"queue_capacity":     c.Chzzk.QueueCapacity,
			"debug_drops":        c.Chzzk.DebugDrops,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"rate_rps":     c.HTTP.RateLimitRPS,
			"rate_burst":   c.HTTP.RateLimitBurst,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// redactProxy masks credentials embedded in a proxy URL.
func redactProxy(value string) string {
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok {
		return value
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok || userinfo == "" {
		return value
	}
	return scheme + "://***REDACTED***@" + host
}

func (c Config) HasSink(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Sinks {
		if strings.ToLower(strings.TrimSpace(s)) == name {
			return true
		}
	}
	return false
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) ReceiveTimeout() time.Duration {
	if c.Chzzk.ReceiveTimeoutMS <= 0 {
		return defaultReceiveTimeoutMS * time.Millisecond
	}
	return time.Duration(c.Chzzk.ReceiveTimeoutMS) * time.Millisecond
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
