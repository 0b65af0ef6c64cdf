// Package keyfile は、鍵素材をCBORでファイルへ永続化するためのユーティリティです。
package keyfile

import (
	"os"
	"path/filepath"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/aptpod/routerlink-go/errors"
)

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Loadは、pathからvへ鍵素材を読み込みます。
//
// ファイルが存在しない、または読み込めない場合は errors.ErrKeyMaterial を返却します。
func Load(path string, v any) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return errors.Errorf("read %s: %v: %w", path, err, errors.ErrKeyMaterial)
	}
	if err := cbor.Unmarshal(bs, v); err != nil {
		return errors.Errorf("decode %s: %v: %w", path, err, errors.ErrKeyMaterial)
	}
	return nil
}

// Saveは、vをpathへ保存します。ファイルのパーミッションは0600です。
//
// 保存に失敗した場合は errors.ErrPersistKeyMaterial を返却します。
func Save(path string, v any) error {
	bs, err := encMode.Marshal(v)
	if err != nil {
		return errors.Errorf("encode %s: %v: %w", path, err, errors.ErrPersistKeyMaterial)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Errorf("mkdir %s: %v: %w", dir, err, errors.ErrPersistKeyMaterial)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o600); err != nil {
		return errors.Errorf("write %s: %v: %w", path, err, errors.ErrPersistKeyMaterial)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Errorf("rename %s: %v: %w", path, err, errors.ErrPersistKeyMaterial)
	}
	return nil
}

// LoadOrGenerateは、pathから鍵素材を読み込みます。
//
// 読み込みに失敗した場合、またはvalidateがエラーを返した場合はgenerateで新しい鍵素材を生成し、pathへ保存します。
// 保存に失敗した場合は生成した鍵素材を使用せずにエラーを返却します。
// generatedは、新しく生成した場合にtrueです。
func LoadOrGenerate[T any](path string, generate func() (T, error), validate func(*T) error) (v *T, generated bool, err error) {
	var loaded T
	if err := Load(path, &loaded); err == nil {
		if validate == nil || validate(&loaded) == nil {
			return &loaded, false, nil
		}
	}

	fresh, err := generate()
	if err != nil {
		return nil, false, errors.Errorf("generate key material: %w", err)
	}
	if err := Save(path, fresh); err != nil {
		return nil, false, err
	}
	return &fresh, true, nil
}
