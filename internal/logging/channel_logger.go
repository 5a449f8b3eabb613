package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgeof8/pyrc-core/internal/config"
)

// ChannelLogger is the external collaborator the core writes already
// formatted message text to, keyed by context name (a channel, a query, the
// status window, or a completed DCC transfer's synthetic context name).
type ChannelLogger interface {
	LogLine(contextName, text string)
	Close(contextName string)
}

// fanOutHandler dispatches each record to two handlers: the process-wide
// logger and a context-dedicated file. Grounded on the teacher's
// internal/logging/session_logger.go fanOutHandler.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write failures to the per-context file must never take down the
	// process-wide log stream.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}

type contextFile struct {
	logger *slog.Logger
	file   *os.File
	path   string
}

// FileChannelLogger is the default ChannelLogger: one JSONL file per
// context under cfg.SessionLogDir, fanned out from a base logger. Rotated
// files are compressed and optionally archived per the logging config.
type FileChannelLogger struct {
	base *slog.Logger
	cfg  config.LoggingConfig

	mu    sync.Mutex
	files map[string]*contextFile
}

// NewFileChannelLogger constructs a FileChannelLogger. If cfg.SessionLogDir
// is empty, LogLine is a no-op: nothing reaches a file or the base logger.
func NewFileChannelLogger(base *slog.Logger, cfg config.LoggingConfig) *FileChannelLogger {
	return &FileChannelLogger{base: base, cfg: cfg, files: make(map[string]*contextFile)}
}

func sanitizeContextFileName(name string) string {
	var b []byte
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return "context"
	}
	return string(b)
}

func (l *FileChannelLogger) open(contextName string) (*contextFile, error) {
	if cf, ok := l.files[contextName]; ok {
		return cf, nil
	}
	if l.cfg.SessionLogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.cfg.SessionLogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory %s: %w", l.cfg.SessionLogDir, err)
	}
	path := filepath.Join(l.cfg.SessionLogDir, sanitizeContextFileName(contextName)+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening context log file %s: %w", path, err)
	}
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: l.base.Handler(), secondary: fileHandler}
	cf := &contextFile{logger: slog.New(combined), file: f, path: path}
	l.files[contextName] = cf
	return cf, nil
}

// LogLine appends a pre-formatted line to the context's log file.
func (l *FileChannelLogger) LogLine(contextName, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cf, err := l.open(contextName)
	if err != nil {
		l.base.Warn("channel logger: open failed", "context", contextName, "error", err)
		return
	}
	if cf == nil {
		return
	}
	cf.logger.Info("line", "context", contextName, "text", text, "time", time.Now().UTC())
}

// Close closes and rotates (compresses, optionally archives) the context's
// log file. It is safe to call on a context with no open file.
func (l *FileChannelLogger) Close(contextName string) {
	l.mu.Lock()
	cf, ok := l.files[contextName]
	if ok {
		delete(l.files, contextName)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	_ = cf.file.Close()
	if err := RotateAndArchive(context.Background(), cf.path, l.cfg); err != nil {
		l.base.Warn("channel logger: rotate failed", "context", contextName, "error", err)
	}
}

// CloseAll flushes and rotates every open context file; call during
// shutdown.
func (l *FileChannelLogger) CloseAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.files))
	for name := range l.files {
		names = append(names, name)
	}
	l.mu.Unlock()
	for _, name := range names {
		l.Close(name)
	}
}

var _ io.Closer = (*os.File)(nil)
