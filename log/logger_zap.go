package log

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type zapLogger struct {
	l *zap.Logger
}

func (l *zapLogger) Infof(ctx context.Context, format string, args ...any) {
	l.with(ctx).Info(fmt.Sprintf(format, args...))
}

func (l *zapLogger) Warnf(ctx context.Context, format string, args ...any) {
	l.with(ctx).Warn(fmt.Sprintf(format, args...))
}

func (l *zapLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.with(ctx).Error(fmt.Sprintf(format, args...))
}

func (l *zapLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.with(ctx).Debug(fmt.Sprintf(format, args...))
}

func (l *zapLogger) with(ctx context.Context) *zap.Logger {
	fs := fields(ctx)
	if len(fs) == 0 {
		return l.l
	}
	zfs := make([]zap.Field, 0, len(fs))
	for _, f := range fs {
		zfs = append(zfs, zap.String(f.key, f.value))
	}
	return l.l.With(zfs...)
}

// NewZapは、`go.uber.org/zap` のロガーをラップしたロガーを返却します。
//
// コンテキストにセットされたセッションID、相手ルーター、メッセージIDはフィールドとして出力します。
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{
		l: l.WithOptions(zap.AddCallerSkip(1)),
	}
}
