// Package logx provides component-tagged leveled logging backed by zap, with
// domain-filtered debug output and an in-memory buffer of recent entries.
package logx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes printf-style messages tagged with the emitting component.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Options configures the process-wide zap core.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables every domain
}

// LogEntry is a buffered log line served by the HTTP API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer keeps the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // process-wide logging state
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	baseMu   sync.RWMutex
	baseZap  = newCore(Options{Level: "info", Format: "console"})
	atomLvl  zap.AtomicLevel
	buffered = &InMemoryLogBuffer{maxSize: 1000}
)

func init() { //nolint:gochecknoinits // env driven debug switches
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=dispatch,scheduler
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
	if debugConfig.Enabled {
		atomLvl.SetLevel(zapcore.DebugLevel)
	}
}

func newCore(opts Options) *zap.Logger {
	atomLvl = zap.NewAtomicLevelAt(parseLevel(opts.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	// stderr keeps stdout free for command output.
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atomLvl)
	return zap.New(core)
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Configure replaces the process-wide core. Loggers created earlier pick up
// the new core on their next call.
func Configure(opts Options) {
	z := newCore(opts)
	if IsDebugEnabled() {
		atomLvl.SetLevel(zapcore.DebugLevel)
	}
	SetBase(z)
}

// SetBase installs z as the process-wide core. Tests use it with zaptest/observer.
func SetBase(z *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseZap = z
}

// Sync flushes buffered output.
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = baseZap.Sync()
}

func base() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseZap
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebugConfig toggles debug output globally.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
	if enabled {
		atomLvl.SetLevel(zapcore.DebugLevel)
	}
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// AddLogEntry appends entry, dropping the oldest beyond maxSize.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered.
func (b *InMemoryLogBuffer) GetLogEntries(domain string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && entry.Domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampLayout, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns buffered entries for the HTTP API.
func GetRecentLogEntries(domain string, since time.Time) []LogEntry {
	return buffered.GetLogEntries(domain, since)
}

func record(component string, level Level, domain, message string) {
	buffered.AddLogEntry(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Component: component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	z := base().With(zap.String("component", l.component))

	switch level {
	case LevelDebug:
		z.Debug(message)
	case LevelInfo:
		z.Info(message)
	case LevelWarn:
		z.Warn(message)
	case LevelError:
		z.Error(message)
	}
	record(l.component, level, "", message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// With returns a sugared zap logger carrying the component field plus kv.
func (l *Logger) With(kv ...any) *zap.SugaredLogger {
	return base().Sugar().With(append([]any{"component", l.component}, kv...)...)
}

func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a copy of the logger tagged with a different component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

type componentKey struct{}

// WithContextComponent stores the component name used by Debug(ctx, ...).
func WithContextComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "dispatch", "routing %s -> %s", role, provider)
//
// Environment control:
//
//	DEBUG=1                              # all domains
//	DEBUG=1 DEBUG_DOMAINS=dispatch       # only dispatch
//	DEBUG=1 DEBUG_DOMAINS=dispatch,dag   # several
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey{}).(string); ok {
			component = c
		}
	}

	message := fmt.Sprintf(format, args...)
	base().Debug(message, zap.String("component", component), zap.String("domain", domain))
	record(component, LevelDebug, domain, message)
}

//nolint:gochecknoglobals // convenience logger
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
