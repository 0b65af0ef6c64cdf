package multi

import "github.com/aptpod/routerlink-go/transport"

func NewManagerWithPairs(pairs []transport.Pair, c Config) *Manager {
	return newManager(pairs, c)
}
