package log

import (
	"context"
	"fmt"
	"log"
	"strings"
)

type stdLogger struct {
	l *log.Logger
}

func (l *stdLogger) Infof(ctx context.Context, format string, args ...any) {
	l.output(ctx, "INFO", format, args...)
}

func (l *stdLogger) Warnf(ctx context.Context, format string, args ...any) {
	l.output(ctx, "WARN", format, args...)
}

func (l *stdLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.output(ctx, "ERROR", format, args...)
}

func (l *stdLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.output(ctx, "DEBUG", format, args...)
}

// コンテキストのフィールドは `key:value` をタブ区切りでメッセージの前に出力します。
func (l *stdLogger) output(ctx context.Context, level, format string, args ...any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(": ")
	for _, f := range fields(ctx) {
		b.WriteString(f.key)
		b.WriteByte(':')
		b.WriteString(f.value)
		b.WriteByte('\t')
	}
	fmt.Fprintf(&b, format, args...)
	l.l.Output(3, b.String())
}

// NewStdは、`log` パッケージのデフォルトロガーへ出力するロガーを返却します。
func NewStd() Logger {
	return &stdLogger{
		l: log.Default(),
	}
}

// NewStdWithは、指定した `log` パッケージのロガーへ出力するロガーを返却します。
func NewStdWith(l *log.Logger) Logger {
	return &stdLogger{
		l: l,
	}
}
