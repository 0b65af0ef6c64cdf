package router

import (
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/aptpod/routerlink-go/errors"
)

// RouterAddressのオプションキーです。
const (
	OptionHost = "host"
	OptionPort = "port"
)

// RouterAddressは、トランスポートが公開する接続先情報です。
type RouterAddress struct {
	Style   string            `cbor:"1,keyasint"`           // トランスポートのスタイル名
	Cost    uint8             `cbor:"2,keyasint"`           // 公開コスト
	Options map[string]string `cbor:"3,keyasint,omitempty"` // トランスポート固有のオプション
}

// NewRouterAddressは、ホストとポートを持つRouterAddressを返却します。
func NewRouterAddress(style string, cost uint8, addr netip.AddrPort, options map[string]string) RouterAddress {
	opts := make(map[string]string, len(options)+2)
	for k, v := range options {
		opts[k] = v
	}
	opts[OptionHost] = addr.Addr().String()
	opts[OptionPort] = strconv.Itoa(int(addr.Port()))
	return RouterAddress{
		Style:   style,
		Cost:    cost,
		Options: opts,
	}
}

// Addrは、ホストとポートを解決します。
func (a RouterAddress) Addr() (netip.AddrPort, bool) {
	host, ok := a.Options[OptionHost]
	if !ok {
		return netip.AddrPort{}, false
	}
	port, ok := a.Options[OptionPort]
	if !ok {
		return netip.AddrPort{}, false
	}
	res, err := netip.ParseAddrPort(net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, false
	}
	return res, true
}

// Optionは、オプション値を返却します。
func (a RouterAddress) Option(key string) (string, bool) {
	v, ok := a.Options[key]
	return v, ok
}

// RouterInfoは、ルーターの署名付き公開情報です。
type RouterInfo struct {
	Identity  Identity          `cbor:"1,keyasint"`
	Published int64             `cbor:"2,keyasint"` // 公開時刻(Unixミリ秒)
	Addresses []RouterAddress   `cbor:"3,keyasint"`
	Options   map[string]string `cbor:"4,keyasint,omitempty"`
	Signature []byte            `cbor:"5,keyasint,omitempty"`
}

// NewRouterInfoは、keysで署名したRouterInfoを返却します。
func NewRouterInfo(keys *SecretKeys, addresses []RouterAddress, published time.Time) (*RouterInfo, error) {
	ri := &RouterInfo{
		Identity:  keys.Identity,
		Published: published.UnixMilli(),
		Addresses: addresses,
	}
	if err := ri.Sign(keys); err != nil {
		return nil, err
	}
	return ri, nil
}

// Hashは、ルーターのハッシュを返却します。
func (ri *RouterInfo) Hash() Hash {
	return ri.Identity.Hash()
}

// PublishedAtは、公開時刻を返却します。
func (ri *RouterInfo) PublishedAt() time.Time {
	return time.UnixMilli(ri.Published)
}

// Addressは、指定したスタイルのアドレスのうち最もコストが低いものを返却します。
func (ri *RouterInfo) Address(style string) (RouterAddress, bool) {
	var (
		res   RouterAddress
		found bool
	)
	for _, a := range ri.Addresses {
		if a.Style != style {
			continue
		}
		if !found || a.Cost < res.Cost {
			res, found = a, true
		}
	}
	return res, found
}

func (ri *RouterInfo) signedBytes() ([]byte, error) {
	unsigned := *ri
	unsigned.Signature = nil
	return encMode.Marshal(&unsigned)
}

// Signは、RouterInfoへ署名します。
func (ri *RouterInfo) Sign(keys *SecretKeys) error {
	if !keys.Identity.SigningKey.Equal(ri.Identity.SigningKey) {
		return errors.Errorf("router info identity does not match signing key: %w", errors.ErrKeyMaterial)
	}
	bs, err := ri.signedBytes()
	if err != nil {
		return errors.Errorf("encode router info: %w", err)
	}
	ri.Signature = keys.Sign(bs)
	return nil
}

// Verifyは、署名を検証します。
func (ri *RouterInfo) Verify() error {
	bs, err := ri.signedBytes()
	if err != nil {
		return errors.Errorf("encode router info: %v: %w", err, errors.ErrMalformedMessage)
	}
	if !ri.Identity.Verify(bs, ri.Signature) {
		return errors.Errorf("router info signature: %w", errors.ErrHandshake)
	}
	return nil
}

// MarshalBinaryは、RouterInfoをCBORでエンコードします。
func (ri *RouterInfo) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(ri)
}

// UnmarshalBinaryは、CBORでエンコードされたRouterInfoをデコードします。
func (ri *RouterInfo) UnmarshalBinary(bs []byte) error {
	if err := decMode.Unmarshal(bs, ri); err != nil {
		return errors.Errorf("decode router info: %v: %w", err, errors.ErrMalformedMessage)
	}
	return nil
}
