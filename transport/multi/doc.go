/*
Package multi は、複数のトランスポートを束ねて送信先を選択し、受信メッセージを1本のストリームへまとめるパッケージです。

# Manager

Manager は設定されたトランスポートを登録順(websocket、noise、quic)に保持します。
Manager.Send はすべてのトランスポートへ入札を問い合わせ、最も安価な入札へメッセージを渡します。
コストが同じ場合は先に登録されたトランスポートが選択されます。
どのトランスポートも入札しなかった場合、ピアとメッセージは errors.NoRouteError として呼び出し元へ返却されます。

# Engine

Engine は各トランスポートのエンジンから受信したメッセージを1本のキューへまとめ、
受信順に router.InboundMessageHandler へ渡します。
トランスポートごとの受信ループは個別に監視され、失敗したものだけが再起動されます。
すべてのトランスポートが停止した場合にのみ、Engine は errors.ErrAllTransportsDown で終了します。
*/
package multi
