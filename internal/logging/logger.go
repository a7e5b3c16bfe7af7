package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultBufferSize = 1000

// CategoryKey tags every entry written through a logger returned by Named.
const CategoryKey = "treewatch.category"

type Logger struct {
	buffer      *LogBuffer
	output      *log.Logger
	json        bool
	minLevel    Level
	baseContext map[string]string
	hub         *LogHub
}

// Options configures NewLoggerWithOptions.
type Options struct {
	Buffer *LogBuffer
	Level  Level
	Output io.Writer
	// JSON switches line output from logfmt to one JSON object per line.
	JSON bool
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	return NewLoggerWithOptions(Options{Buffer: buffer, Level: minLevel, Output: output})
}

func NewLoggerWithOptions(options Options) *Logger {
	buffer := options.Buffer
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	output := options.Output
	if output == nil {
		output = io.Discard
	}
	flags := log.LstdFlags
	if options.JSON {
		flags = 0
	}
	return &Logger{
		buffer:   buffer,
		output:   log.New(output, "", flags),
		json:     options.JSON,
		minLevel: normalizeLevel(options.Level),
		hub:      NewLogHub(),
	}
}

// Discard returns a logger that only records into a small in-memory buffer.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(64), LevelInfo, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

// Subscribe streams entries written from now on. A nil accept receives all.
func (l *Logger) Subscribe(accept func(LogEntry) bool) (<-chan LogEntry, func()) {
	if l == nil || l.hub == nil {
		return nil, func() {}
	}
	return l.hub.Subscribe(0, accept)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		buffer:      l.buffer,
		output:      l.output,
		json:        l.json,
		minLevel:    l.minLevel,
		baseContext: cloneFields(l.baseContext, fields),
		hub:         l.hub,
	}
}

// Close ends every log subscription. Entries are still buffered and written.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.hub.Close()
}

// Named is With for the category field.
func (l *Logger) Named(category string) *Logger {
	return l.With(map[string]string{CategoryKey: category})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil || !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   cloneFields(l.baseContext, fields),
	}
	if l.buffer != nil {
		l.buffer.Add(entry)
	}
	if l.hub != nil {
		l.hub.Broadcast(entry)
	}
	if l.output == nil {
		return
	}
	if l.json {
		payload, err := json.Marshal(entry)
		if err != nil {
			l.output.Print(formatEntry(entry))
			return
		}
		l.output.Print(string(payload))
		return
	}
	l.output.Print(formatEntry(entry))
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// LevelAtLeast reports whether level is as severe as floor.
func LevelAtLeast(level, floor Level) bool {
	return levelRank(level) >= levelRank(floor)
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

func formatEntry(entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf(" %s=%s", key, strconv.Quote(entry.Context[key])))
	}
	return builder.String()
}
