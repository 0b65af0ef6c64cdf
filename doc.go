/*
Package routerlinkは、ルーター間のトランスポート選択と受信メッセージの配送を行うパッケージ群です。

ここではルーターのトランスポートを起動し、メッセージを送受信するまでの一連の流れについて説明します。

# Start Transports

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/aptpod/routerlink-go/message"
		"github.com/aptpod/routerlink-go/router"
		"github.com/aptpod/routerlink-go/transport/multi"
	)

	func main() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// トランスポートを登録順(websocket、noise)に生成します。
		// 待ち受けアドレスが不足している場合は *errors.ConfigError を返却します。
		m, err := multi.NewManager(multi.Config{
			WebSocket: multi.WebSocketConfig{ListenAddr: "127.0.0.1:7000"},
			Noise: multi.NoiseConfig{
				ListenAddr: "127.0.0.1:7001",
				KeyFile:    "data/noise.keys.dat",
			},
		})
		if err != nil {
			log.Fatal(err)
		}

		keys, _, err := router.LoadOrGenerateKeys("data/router.keys.dat")
		if err != nil {
			log.Fatal(err)
		}
		// 各トランスポートの接続先情報をRouterInfoとして公開します。
		ri, err := router.NewRouterInfo(keys, m.Addresses(), time.Now())
		if err != nil {
			log.Fatal(err)
		}

		handler := router.HandlerFunc(func(from router.Hash, msg *message.Message) {
			log.Printf("received %s from %s", msg, from.Short())
		})
		// Startは1回だけ呼び出せます。
		running, err := m.Start(ctx, router.NewContext(keys, ri, handler))
		if err != nil {
			log.Fatal(err)
		}
		defer running.Close()

		// peerはネットワークデータベースなどから取得したRouterInfoです。
		var peer *router.RouterInfo
		route, err := m.Send(peer, message.New(message.TypeData, []byte("hello")))
		if err != nil {
			// どのトランスポートも入札しなかった場合は *errors.NoRouteError です。
			log.Fatal(err)
		}
		log.Printf("sent via %s", route.Kind)
	}

# Configuration

設定ファイルと環境変数から起動する場合は config パッケージを使用します。

	cfg, err := config.Load("routerlink.yaml")
	zl, err := config.NewLogger(cfg.Log)
	mc, err := cfg.Manager(log.NewZap(zl), metrics.NewNop())
	m, err := multi.NewManager(mc)
*/
package routerlink
