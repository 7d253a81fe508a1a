package log

import (
	"fmt"

	"go.uber.org/zap"
)

// zapLogger is default implementation of the Logger interface.
// It is wrapped zap.SugaredLogger.
type zapLogger struct {
	sugar  *zap.SugaredLogger
	prefix string
}

func loggerFromZap(l *zap.Logger) *zapLogger {
	return &zapLogger{sugar: l.Sugar()}
}

func (l *zapLogger) AddPrefix(prefix string) Logger {
	return &zapLogger{sugar: l.sugar, prefix: l.prefix + prefix}
}

func (l *zapLogger) Debug(args ...any) {
	l.sugar.Debug(l.withPrefix(fmt.Sprint(args...)))
}

func (l *zapLogger) Info(args ...any) {
	l.sugar.Info(l.withPrefix(fmt.Sprint(args...)))
}

func (l *zapLogger) Warn(args ...any) {
	l.sugar.Warn(l.withPrefix(fmt.Sprint(args...)))
}

func (l *zapLogger) Error(args ...any) {
	l.sugar.Error(l.withPrefix(fmt.Sprint(args...)))
}

func (l *zapLogger) Debugf(template string, args ...any) {
	l.sugar.Debug(l.withPrefix(fmt.Sprintf(template, args...)))
}

func (l *zapLogger) Infof(template string, args ...any) {
	l.sugar.Info(l.withPrefix(fmt.Sprintf(template, args...)))
}

func (l *zapLogger) Warnf(template string, args ...any) {
	l.sugar.Warn(l.withPrefix(fmt.Sprintf(template, args...)))
}

func (l *zapLogger) Errorf(template string, args ...any) {
	l.sugar.Error(l.withPrefix(fmt.Sprintf(template, args...)))
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

func (l *zapLogger) withPrefix(message string) string {
	if l.prefix == "" {
		return message
	}
	return l.prefix + " " + message
}
