package noise

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"

	fnoise "github.com/flynn/noise"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/keyfile"
)

// StaticKeyOptionは、RouterAddressで静的公開鍵を公開するオプション名です。
const StaticKeyOption = "s"

const staticKeySize = 32

var cipherSuite = fnoise.NewCipherSuite(fnoise.DH25519, fnoise.CipherChaChaPoly, fnoise.HashSHA256)

// StaticKeysは、Noiseハンドシェイクで使用するX25519の静的鍵です。
type StaticKeys struct {
	Private []byte `cbor:"1,keyasint"`
	Public  []byte `cbor:"2,keyasint"`
}

// GenerateStaticKeysは、新しい静的鍵を生成します。
func GenerateStaticKeys() (StaticKeys, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return StaticKeys{}, err
	}
	return StaticKeys{Private: kp.Private, Public: kp.Public}, nil
}

// LoadOrGenerateKeysは、pathから静的鍵を読み込みます。
//
// 読み込めない場合は新しい鍵を生成して保存します。保存に失敗した場合は errors.ErrPersistKeyMaterial を返却します。
func LoadOrGenerateKeys(path string) (keys *StaticKeys, generated bool, err error) {
	return keyfile.LoadOrGenerate(path, GenerateStaticKeys, (*StaticKeys).validate)
}

func (k *StaticKeys) validate() error {
	if len(k.Private) != staticKeySize || len(k.Public) != staticKeySize {
		return errors.Errorf("invalid static key length: %w", errors.ErrKeyMaterial)
	}
	// 秘密鍵から導出した公開鍵と一致しない組は使用しません。
	kp, err := fnoise.DH25519.GenerateKeypair(bytes.NewReader(k.Private))
	if err != nil {
		return errors.Errorf("derive static public key: %v: %w", err, errors.ErrKeyMaterial)
	}
	if !bytes.Equal(kp.Public, k.Public) {
		return errors.Errorf("static key pair mismatch: %w", errors.ErrKeyMaterial)
	}
	return nil
}

func (k *StaticKeys) dhKey() fnoise.DHKey {
	return fnoise.DHKey{Private: k.Private, Public: k.Public}
}

func encodeStaticKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func decodeStaticKey(s string) ([]byte, error) {
	bs, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(bs) != staticKeySize {
		return nil, errors.Errorf("invalid static key length %d", len(bs))
	}
	return bs, nil
}
