// Package idempotency は公開コマンドの冪等実行を支えるドメイン型を提供する。
package idempotency

import (
	"github.com/hitoshi/newsman/internal/model"
)

// maxKeyLength は冪等キーの長さ上限（この値以上は拒否）。
const maxKeyLength = 50

// Key はクライアントが供給する検証済みの冪等キー。
// 構築時に検証され、以後は不変として扱う。
type Key struct {
	value string
}

// NewKey は文字列から冪等キーを構築する。
// 空文字列、または50文字以上の場合は検証エラーを返す。
func NewKey(s string) (Key, error) {
	if s == "" {
		return Key{}, model.NewInvalidIdempotencyKeyError("空にできません")
	}
	if len(s) >= maxKeyLength {
		return Key{}, model.NewInvalidIdempotencyKeyError("50文字未満である必要があります")
	}
	return Key{value: s}, nil
}

// String はキーの文字列表現を返す。
func (k Key) String() string {
	return k.value
}
