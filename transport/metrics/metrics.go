/*
Package metrics は、トランスポートの選択と受信のメトリクスを収集するパッケージです。

Collector の実装として、Prometheusへ登録する NewPrometheus と、何もしない NewNop を提供します。
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "routerlink"

// Collectorは、マネージャーが送受信の度に呼び出すメトリクスの収集先です。
//
// 実装は並行アクセスに対して安全である必要があります。
type Collector interface {
	// RouteSelectedは、kindのトランスポートがcostで落札したことを記録します。
	RouteSelected(kind string, cost uint32)
	// NoRouteは、どのトランスポートも入札しなかったことを記録します。
	NoRoute()
	// Inboundは、kindのトランスポートからメッセージを受信したことを記録します。
	Inbound(kind string)
	// BranchDownは、kindのトランスポートの受信ループが停止したことを記録します。
	BranchDown(kind string)
}

type prometheusCollector struct {
	selected   *prometheus.CounterVec
	cost       *prometheus.HistogramVec
	noRoute    prometheus.Counter
	inbound    *prometheus.CounterVec
	branchDown *prometheus.CounterVec
}

// NewPrometheusは、regへ登録したPrometheusのCollectorを返却します。
func NewPrometheus(reg prometheus.Registerer) (Collector, error) {
	c := &prometheusCollector{
		selected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "route_selected_total",
			Help:      "Number of messages routed to each transport.",
		}, []string{"kind"}),
		cost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "winning_bid_cost",
			Help:      "Cost of winning bids.",
			Buckets:   []float64{1, 5, 10, 20, 50, 100},
		}, []string{"kind"}),
		noRoute: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "no_route_total",
			Help:      "Number of messages no transport bid for.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "inbound_messages_total",
			Help:      "Number of messages received from each transport.",
		}, []string{"kind"}),
		branchDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "engine_down_total",
			Help:      "Number of times a transport engine stopped.",
		}, []string{"kind"}),
	}
	for _, col := range []prometheus.Collector{c.selected, c.cost, c.noRoute, c.inbound, c.branchDown} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *prometheusCollector) RouteSelected(kind string, cost uint32) {
	c.selected.WithLabelValues(kind).Inc()
	c.cost.WithLabelValues(kind).Observe(float64(cost))
}

func (c *prometheusCollector) NoRoute() {
	c.noRoute.Inc()
}

func (c *prometheusCollector) Inbound(kind string) {
	c.inbound.WithLabelValues(kind).Inc()
}

func (c *prometheusCollector) BranchDown(kind string) {
	c.branchDown.WithLabelValues(kind).Inc()
}

type nopCollector struct{}

// NewNopは、何もしないCollectorを返却します。
func NewNop() Collector {
	return nopCollector{}
}

func (nopCollector) RouteSelected(string, uint32) {}
func (nopCollector) NoRoute()                     {}
func (nopCollector) Inbound(string)               {}
func (nopCollector) BranchDown(string)            {}

