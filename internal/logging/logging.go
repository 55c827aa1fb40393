// Package logging provides structured logging for codebot on top of zerolog.
// Logs go to stderr or to daily files codebot-YYYY-MM-DD.log in a log
// directory, in JSON or plain text.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix = "codebot-"
	fileSuffix = ".log"
	dateLayout = "2006-01-02"
)

// Config holds logging configuration.
type Config struct {
	Level         string // debug, info, warn, error
	Path          string // log directory; empty logs to stderr
	Format        string // json, text
	RetentionDays int    // days of log files to keep (default 7)
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Path:          ExpandPath("~/.local/share/codebot/logs"),
		Format:        "json",
		RetentionDays: 7,
	}
}

// Logger wraps zerolog with component tagging.
type Logger struct {
	zl     zerolog.Logger
	out    io.Writer
	closer io.Closer
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init replaces the global logger, closing the previous one.
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	prev := globalLogger
	globalLogger = logger
	globalMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// New creates a Logger. With a Path, output goes to a daily file that
// rolls over at midnight and files older than RetentionDays are removed.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{out: os.Stderr}
	if cfg.Path != "" {
		dir := ExpandPath(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		df := &dailyFile{dir: dir, now: time.Now}
		if err := df.open(); err != nil {
			return nil, err
		}
		logger.out, logger.closer = df, df
		go removeOlderThan(dir, time.Now().AddDate(0, 0, -cfg.RetentionDays))
	}

	var w io.Writer = logger.out
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "text":
		w = zerolog.ConsoleWriter{Out: logger.out, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	logger.out = w
	logger.zl = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, nil
}

func (l *Logger) derive(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl, out: l.out}
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(l.zl.With().Str("component", component).Logger())
}

// WithFields returns a child logger that adds fields to every event.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.derive(l.zl.With().Fields(fields).Logger())
}

// Tee returns a child logger that also writes every event to w as one
// JSON document per line.
func (l *Logger) Tee(w io.Writer) *Logger {
	return l.derive(l.zl.Output(zerolog.MultiLevelWriter(l.out, w)))
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

// DebugCtx logs a debug message with fields.
func (l *Logger) DebugCtx(msg string, fields map[string]any) {
	l.zl.Debug().Fields(fields).Msg(msg)
}

// InfoCtx logs an info message with fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) {
	l.zl.Info().Fields(fields).Msg(msg)
}

// WarnCtx logs a warning with fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) {
	l.zl.Warn().Fields(fields).Msg(msg)
}

// ErrorCtx logs an error message with fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) {
	l.zl.Error().Fields(fields).Msg(msg)
}

// Close closes the log file of a logger created by New. Child loggers
// do not own the file and Close on them is a no-op.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Get returns the global logger, or a stderr logger before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return &Logger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger(), out: os.Stderr}
	}
	return globalLogger
}

// Component returns a global child logger tagged with name.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// dailyFile is an append-only writer that switches to a new file when
// the local date changes.
type dailyFile struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
}

func (d *dailyFile) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotateLocked(d.now())
}

func (d *dailyFile) rotateLocked(now time.Time) error {
	f, err := os.OpenFile(filepath.Join(d.dir, FileName(now)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f = f
	d.day = now.Format(dateLayout)
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, os.ErrClosed
	}
	if now := d.now(); now.Format(dateLayout) != d.day {
		if err := d.rotateLocked(now); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func removeOlderThan(dir string, cutoff time.Time) {
	files, err := ListFiles(dir)
	if err != nil {
		return
	}
	for _, path := range files {
		if day, ok := fileDate(filepath.Base(path)); ok && day.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// FileName returns the log file name for the day containing t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(dateLayout) + fileSuffix
}

// ListFiles returns the codebot log files in dir, newest first.
func ListFiles(dir string) ([]string, error) {
	dir = ExpandPath(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := fileDate(entry.Name()); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

func fileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
