// Package logger предоставляет структурированное логирование для контроллера звонков.
//
// Интерфейс StructuredLogger повторяет привычный набор методов (уровни,
// поля, контекстные логгеры), а запись выполняется через zerolog.
// Для тестов есть NoOpLogger, для процесса целиком - глобальный логгер
// через SetDefaultLogger/GetDefaultLogger.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// zerologLevel переводит уровень в уровень zerolog
func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel разбирает имя уровня из конфигурации ("debug", "INFO", ...)
func ParseLevel(name string) (LogLevel, error) {
	for level, levelName := range logLevelNames {
		if strings.EqualFold(levelName, strings.TrimSpace(name)) {
			return level, nil
		}
	}
	return LogLevelInfo, fmt.Errorf("неизвестный уровень логирования: %q", name)
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError пишет ошибку на уровне Error вместе с полями
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithCall(callID int) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

type callIDKey struct{}

// ContextWithCallID кладет id звонка в контекст, логгер добавит его в каждую запись
func ContextWithCallID(ctx context.Context, callID int) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// ZerologLogger реализация StructuredLogger поверх zerolog
type ZerologLogger struct {
	mu    *sync.RWMutex
	level *LogLevel
	zl    zerolog.Logger
}

// NewDefaultLogger создает JSON логгер, пишущий в w
func NewDefaultLogger(w io.Writer, level LogLevel) *ZerologLogger {
	if w == nil {
		w = os.Stdout
	}
	return newZerologLogger(zerolog.New(w).With().Timestamp().Logger(), level)
}

// NewConsoleLogger создает логгер с человекочитаемым выводом в stdout
func NewConsoleLogger(level LogLevel) *ZerologLogger {
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	return newZerologLogger(zerolog.New(out).With().Timestamp().Logger(), level)
}

func newZerologLogger(zl zerolog.Logger, level LogLevel) *ZerologLogger {
	lvl := level
	return &ZerologLogger{
		mu:    &sync.RWMutex{},
		level: &lvl,
		zl:    zl.Level(zerolog.TraceLevel),
	}
}

// SetLevel устанавливает минимальный уровень логирования.
// Уровень общий для логгера и всех производных от него.
func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// IsEnabled проверяет, будет ли записано сообщение уровня level
func (l *ZerologLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= *l.level
}

// WithComponent возвращает логгер с полем component
func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return l.derive(l.zl.With().Str("component", component).Logger())
}

// WithCall возвращает логгер с полем call_id
func (l *ZerologLogger) WithCall(callID int) StructuredLogger {
	return l.derive(l.zl.With().Int("call_id", callID).Logger())
}

// WithFields возвращает логгер с постоянными полями
func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	zctx := l.zl.With()
	for _, f := range fields {
		zctx = zctx.Interface(f.Key, f.Value)
	}
	return l.derive(zctx.Logger())
}

func (l *ZerologLogger) derive(zl zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{mu: l.mu, level: l.level, zl: zl}
}

func (l *ZerologLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, nil, fields...)
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, nil, fields...)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, nil, fields...)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, nil, fields...)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, nil, fields...)
}

// LogError логирует ошибку с дополнительным контекстом
func (l *ZerologLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, err, fields...)
}

func (l *ZerologLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	event := l.zl.WithLevel(level.zerologLevel())
	if event == nil {
		return
	}

	if ctx != nil {
		if callID, ok := ctx.Value(callIDKey{}).(int); ok {
			event = event.Int("call_id", callID)
		}
	}

	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}

	if err != nil {
		event = event.Err(err)
	}

	event.Msg(msg)
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithCall(callID int) StructuredLogger                                 { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }

var (
	defaultMu     sync.RWMutex
	defaultLogger StructuredLogger = NewDefaultLogger(os.Stderr, LogLevelInfo)
)

// SetDefaultLogger устанавливает глобальный logger
func SetDefaultLogger(logger StructuredLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefaultLogger возвращает глобальный logger
func GetDefaultLogger() StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
