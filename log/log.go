// Package log is the process-wide logging sink used by every layer of the
// engine: storage primitives, the instance, the dispatcher and the
// connection handlers all log through here rather than through ad hoc
// fmt.Println calls. It wraps logrus with a rotating file writer so an
// operator can point --instance at a long-running daemon without log
// files growing without bound.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) logrusLevel() logrus.Level {
	switch l {
	case LvlCrit:
		return logrus.FatalLevel
	case LvlError:
		return logrus.ErrorLevel
	case LvlWarn:
		return logrus.WarnLevel
	case LvlInfo:
		return logrus.InfoLevel
	case LvlDebug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// Logger writes leveled, key/value-annotated messages. Subsystems take a
// Logger at construction rather than reaching for package-level functions,
// though the latter remain available for CLI glue code.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	entry *logrus.Entry
}

var (
	backend = logrus.New()
	root    = &logger{entry: logrus.NewEntry(backend)}
	manager *rotationManager
)

func init() {
	backend.SetOutput(os.Stdout)
	backend.SetLevel(logrus.InfoLevel)
	backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
}

func fields(ctx []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		key, ok := ctx[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", ctx[i])
		}
		f[key] = ctx[i+1]
	}
	return f
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{entry: l.entry.WithFields(fields(ctx))}
}

func (l *logger) log(lvl Lvl, msg string, ctx []interface{}) {
	l.entry.WithFields(fields(ctx)).Log(lvl.logrusLevel(), msg)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.log(LvlCrit, msg, ctx); os.Exit(1) }

// Root returns the package-level root logger.
func Root() Logger { return root }

func New(ctx ...interface{}) Logger { return root.New(ctx...) }

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }

// Config controls Init's behaviour.
type Config struct {
	Level         string
	LogFile       string // empty => console only
	DataDir       string
	Console       bool // also write to stdout when LogFile is set
	JSONFormat    bool
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	Compress      bool
	LocalTime     bool
	TotalSizeCapMB int
}

// Init wires the root logger per cfg. When LogFile is empty, only the
// console is used. Otherwise a lumberjack-rotated file is opened under
// <DataDir>/log/<LogFile>, and a background cleaner is started if
// TotalSizeCapMB > 0.
func Init(cfg Config) error {
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	backend.SetLevel(lvl)

	if cfg.LogFile == "" {
		backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
		backend.SetOutput(os.Stdout)
		return nil
	}

	logDir := filepath.Join(cfg.DataDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, cfg.LogFile),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  cfg.LocalTime,
	}

	if cfg.JSONFormat {
		backend.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05", DisableColors: true})
	}

	if cfg.Console {
		backend.SetOutput(io.MultiWriter(lj, os.Stdout))
	} else {
		backend.SetOutput(lj)
	}

	if cfg.TotalSizeCapMB > 0 {
		manager = newRotationManager(logDir, int64(cfg.TotalSizeCapMB)*1024*1024)
		manager.start()
	}

	Info("logger initialized", "file", lj.Filename, "level", cfg.Level, "total_size_cap_mb", cfg.TotalSizeCapMB)
	return nil
}

// Close stops the background rotation cleaner, if running.
func Close() {
	if manager != nil {
		manager.stop()
	}
}

// rotationManager deletes the oldest rotated log files once the directory's
// total size exceeds a cap, independently of lumberjack's own MaxBackups
// count (which is per base filename, not per directory).
type rotationManager struct {
	dir      string
	sizeCap  int64
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.Mutex
}

func newRotationManager(dir string, sizeCap int64) *rotationManager {
	return &rotationManager{dir: dir, sizeCap: sizeCap, interval: time.Hour, stopCh: make(chan struct{})}
}

func (m *rotationManager) start() {
	go func() {
		m.cleanup()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.cleanup()
			}
		}
	}()
}

func (m *rotationManager) stop() {
	close(m.stopCh)
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (m *rotationManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var files []fileInfo
	_ = filepath.Walk(m.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".log" || ext == ".gz" {
			files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		}
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	var total int64
	for _, f := range files {
		total += f.size
	}
	for total > m.sizeCap && len(files) > 1 {
		oldest := files[0]
		if err := os.Remove(oldest.path); err == nil {
			total -= oldest.size
			files = files[1:]
		} else {
			break
		}
	}
}
