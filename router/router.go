/*
Package router は、ルーターの識別情報と、トランスポート層が利用するルーターコンテキストを定義するパッケージです。
*/
package router

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/keyfile"
)

var (
	encMode = func() cbor.EncMode {
		em, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()
	decMode = func() cbor.DecMode {
		dm, err := cbor.DecOptions{}.DecMode()
		if err != nil {
			panic(err)
		}
		return dm
	}()
)

// Hashは、ルーターを識別するハッシュです。
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Shortは、ログ出力用の短い表現を返却します。
func (h Hash) Short() string {
	return h.String()[:8]
}

// IsZeroは、ゼロ値かどうかを返却します。
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Identityは、ルーターの公開識別情報です。
type Identity struct {
	SigningKey ed25519.PublicKey `cbor:"1,keyasint"`
}

// Hashは、署名鍵のSHA-256ハッシュを返却します。
func (i Identity) Hash() Hash {
	return sha256.Sum256(i.SigningKey)
}

// Verifyは、署名を検証します。
func (i Identity) Verify(msg, sig []byte) bool {
	if len(i.SigningKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(i.SigningKey, msg, sig)
}

// SecretKeysは、ルーターの秘密鍵です。
type SecretKeys struct {
	Identity   Identity           `cbor:"1,keyasint"`
	SigningKey ed25519.PrivateKey `cbor:"2,keyasint"`
}

// GenerateKeysは、新しいルーター鍵を生成します。
func GenerateKeys() (SecretKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKeys{}, err
	}
	return SecretKeys{
		Identity:   Identity{SigningKey: pub},
		SigningKey: priv,
	}, nil
}

// Signは、msgへ署名します。
func (k *SecretKeys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.SigningKey, msg)
}

func (k *SecretKeys) validate() error {
	if len(k.SigningKey) != ed25519.PrivateKeySize || len(k.Identity.SigningKey) != ed25519.PublicKeySize {
		return errors.Errorf("invalid key length: %w", errors.ErrKeyMaterial)
	}
	if !k.SigningKey.Public().(ed25519.PublicKey).Equal(k.Identity.SigningKey) {
		return errors.Errorf("public key mismatch: %w", errors.ErrKeyMaterial)
	}
	return nil
}

// LoadOrGenerateKeysは、pathからルーター鍵を読み込みます。
//
// 読み込めない場合は新しい鍵を生成して保存します。保存に失敗した場合は errors.ErrPersistKeyMaterial を返却します。
func LoadOrGenerateKeys(path string) (keys *SecretKeys, generated bool, err error) {
	return keyfile.LoadOrGenerate(path, GenerateKeys, (*SecretKeys).validate)
}
