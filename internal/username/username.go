// Package username はユーザー名の検証と一意性チェックを提供する。
// 入力中の対話的な検証（debounce付き）と、作成直前の確定チェックの2つの用途がある。
package username

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/readlog/internal/model"
)

// MinLength はユーザー名の最小文字数。
const MinLength = 3

var allowedPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Normalize は前後の空白を除去し小文字化する。
func Normalize(candidate string) string {
	return strings.ToLower(strings.TrimSpace(candidate))
}

// ValidateFormat は正規化済みのユーザー名の書式を検証する。
// 違反時は*model.ValidationErrorを返す。
func ValidateFormat(name string) error {
	if len(name) < MinLength {
		return &model.ValidationError{Kind: model.ValidationTooShort, Value: name}
	}
	if !allowedPattern.MatchString(name) {
		return &model.ValidationError{Kind: model.ValidationInvalidChars, Value: name}
	}
	return nil
}

// Lookup はユーザー名の存在確認に必要なインターフェース。
// repository.ProfileRepositoryの部分集合として定義する。
type Lookup interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	UsernameTakenByOther(ctx context.Context, username, externalID string) (bool, error)
}

// Checker はプロフィールストアに対してユーザー名の存在を確認する。
type Checker struct {
	lookup Lookup
}

// NewChecker はCheckerを生成する。
func NewChecker(lookup Lookup) *Checker {
	return &Checker{lookup: lookup}
}

// Exists は正規化したユーザー名がストアに存在するかを返す。
func (c *Checker) Exists(ctx context.Context, candidate string) (bool, error) {
	exists, err := c.lookup.UsernameExists(ctx, Normalize(candidate))
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// TakenByOther は正規化したユーザー名がexternalID以外のプロフィールで使われているかを返す。
// 部分的なプロフィールの完成時に、自分自身のusernameを使用済みと判定しないために使う。
func (c *Checker) TakenByOther(ctx context.Context, candidate, externalID string) (bool, error) {
	taken, err := c.lookup.UsernameTakenByOther(ctx, Normalize(candidate), externalID)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return taken, nil
}
