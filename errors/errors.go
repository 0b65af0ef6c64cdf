package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrRouterLinkはrouterlinkライブラリで定義されている基底エラーです。
	ErrRouterLink = errors.New("routerlink")

	// ErrMissingListenAddressは、必須のリッスンアドレスが設定されていない場合のエラーです。
	ErrMissingListenAddress = fmt.Errorf("missing listen address: %w", ErrRouterLink)
	// ErrInvalidConfigは、設定値が不正な場合のエラーです。
	ErrInvalidConfig = fmt.Errorf("invalid config: %w", ErrRouterLink)

	// ErrKeyMaterialは、鍵ファイルが存在しない、または読み込めない場合のエラーです。
	ErrKeyMaterial = fmt.Errorf("key material unavailable: %w", ErrRouterLink)
	// ErrPersistKeyMaterialは、生成した鍵ファイルの保存に失敗した場合のエラーです。
	ErrPersistKeyMaterial = fmt.Errorf("failed to persist key material: %w", ErrRouterLink)

	// ErrNoRouteは、どのトランスポートも入札しなかった場合のエラーです。
	ErrNoRoute = fmt.Errorf("no route to peer: %w", ErrRouterLink)
	// ErrQueueClosedは、受信側が閉じられたキューへ送信した場合のエラーです。
	ErrQueueClosed = fmt.Errorf("queue closed: %w", ErrRouterLink)
	// ErrQueueFullは、上限付きキューが満杯の場合のエラーです。
	ErrQueueFull = fmt.Errorf("queue full: %w", ErrRouterLink)
	// ErrBidConsumedは、使用済みの入札へ再度送信した場合のエラーです。
	ErrBidConsumed = fmt.Errorf("bid already consumed: %w", ErrRouterLink)

	// ErrAlreadyStartedは、マネージャーを2回以上開始しようとした場合のエラーです。
	ErrAlreadyStarted = fmt.Errorf("manager already started: %w", ErrRouterLink)
	// ErrEngineClosedは、エンジンが閉じられた後に受信しようとした場合のエラーです。
	ErrEngineClosed = fmt.Errorf("engine closed: %w", ErrRouterLink)
	// ErrAllTransportsDownは、全トランスポートの受信ループが停止した場合のエラーです。
	ErrAllTransportsDown = fmt.Errorf("all transports down: %w", ErrRouterLink)

	// ErrConnectionClosedは、閉じられたセッションへ読み書きをした場合のエラーです。
	ErrConnectionClosed = fmt.Errorf("closed connection: %w", ErrRouterLink)
	// ErrHandshakeは、ハンドシェイクに失敗した場合のエラーです。
	ErrHandshake = fmt.Errorf("handshake failed: %w", ErrRouterLink)
	// ErrMalformedMessageは、メッセージのエンコードやデコードに失敗した時のエラーです。
	ErrMalformedMessage = fmt.Errorf("malformed message: %w", ErrRouterLink)
	// ErrMessageTooLargeは、メッセージが大きすぎる場合のエラーです。
	ErrMessageTooLarge = fmt.Errorf("message is too large: %w", ErrMalformedMessage)
)

// ConfigErrorは、起動時の設定エラーです。
//
// 設定エラーは致命的であり、プロセスは通信を開始してはいけません。
type ConfigError struct {
	Key string // 設定キー
	Err error  // 原因
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NoRouteErrorは、どのトランスポートも入札しなかったことを表します。
//
// 送信されなかったピアとメッセージの所有権を呼び出し元へ返却します。
// Peer、Messageはそれぞれ *router.RouterInfo、*message.Message です。
type NoRouteError struct {
	Peer    any
	Message any
}

func (e *NoRouteError) Error() string {
	return ErrNoRoute.Error()
}

func (e *NoRouteError) Is(err error) bool {
	return err == ErrNoRoute || err == ErrRouterLink
}

// ListenerErrorは、トランスポートのリスナーが失敗した場合のエラーです。
type ListenerError struct {
	Transport string // トランスポート種別
	Err       error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener: %v", e.Transport, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// AsNoRouteErrorは、errに含まれるNoRouteErrorを返却します。
func AsNoRouteError(err error) (*NoRouteError, bool) {
	var res *NoRouteError
	ok := As(err, &res)
	return res, ok
}

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}
