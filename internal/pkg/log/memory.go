package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewDebugLogger records all messages in memory, it is used in tests.
func NewDebugLogger() DebugLogger {
	sink := &memorySink{}
	encoderCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		ConsoleSeparator: "  ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(sink), zapcore.DebugLevel)
	return &memoryLogger{zapLogger: loggerFromZap(zap.New(core)), sink: sink}
}

type memoryLogger struct {
	*zapLogger
	sink *memorySink
}

type memorySink struct {
	mutex sync.Mutex
	lines []string
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lines = append(s.lines, string(p))
	return len(p), nil
}

func (s *memorySink) all() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *memorySink) truncate() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lines = nil
}

func (l *memoryLogger) AddPrefix(prefix string) Logger {
	return &memoryLogger{zapLogger: l.zapLogger.AddPrefix(prefix).(*zapLogger), sink: l.sink}
}

func (l *memoryLogger) Truncate() {
	l.sink.truncate()
}

func (l *memoryLogger) AllMessages() string {
	return l.messages(func(string) bool { return true })
}

func (l *memoryLogger) DebugMessages() string {
	return l.messages(func(line string) bool { return strings.HasPrefix(line, "DEBUG") })
}

func (l *memoryLogger) InfoMessages() string {
	return l.messages(func(line string) bool { return strings.HasPrefix(line, "INFO") })
}

func (l *memoryLogger) WarnMessages() string {
	return l.messages(func(line string) bool { return strings.HasPrefix(line, "WARN") })
}

func (l *memoryLogger) ErrorMessages() string {
	return l.messages(func(line string) bool { return strings.HasPrefix(line, "ERROR") })
}

func (l *memoryLogger) WarnAndErrorMessages() string {
	return l.messages(func(line string) bool {
		return strings.HasPrefix(line, "WARN") || strings.HasPrefix(line, "ERROR")
	})
}

func (l *memoryLogger) messages(match func(string) bool) string {
	var out strings.Builder
	for _, line := range l.sink.all() {
		if match(line) {
			out.WriteString(line)
		}
	}
	return out.String()
}
