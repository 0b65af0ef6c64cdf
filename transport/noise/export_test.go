package noise

import (
	"io"

	"github.com/aptpod/routerlink-go/router"
)

func ClientHandshake(rw io.ReadWriter, keys *StaticKeys, rctx *router.Context, peerStatic []byte) error {
	_, err := clientHandshake(rw, keys, rctx, peerStatic)
	return err
}

func ServerHandshake(rw io.ReadWriter, keys *StaticKeys, rctx *router.Context) (*router.RouterInfo, error) {
	_, peer, err := serverHandshake(rw, keys, rctx)
	return peer, err
}
