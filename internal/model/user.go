// Package model はドメインモデルを定義する。
package model

import "time"

// ExternalIdentity は外部IdP（Google, Apple）が発行したユーザー情報を表す。
// セッション中は不変であり、別のIDに切り替えるにはサインアウトが必要。
type ExternalIdentity struct {
	ExternalID          string // IdPが割り当てる安定した一意ID
	Email               string
	ProviderDisplayName string // 表示名のヒント。正ではない
	Provider            string // "google", "apple"
}

// Profile はアプリが所有するユーザープロフィールを表す。
// ExternalIDをキーとし、usernameとavatarIdの両方が揃って初めて完成とみなす。
type Profile struct {
	ExternalID string
	Username   string
	AvatarID   string
	Bio        string
	CreatedAt  time.Time
}

// IsComplete はusernameとavatarIdの両方が設定されているかを返す。
func (p *Profile) IsComplete() bool {
	return p != nil && p.Username != "" && p.AvatarID != ""
}

// 選択可能なアバター。
const (
	AvatarExplorer = "explorer"
	AvatarScholar  = "scholar"
	AvatarDreamer  = "dreamer"
	AvatarVoyager  = "voyager"
	AvatarSage     = "sage"
	AvatarPoet     = "poet"
)

// Avatars は選択可能なアバターIDの一覧。
var Avatars = []string{
	AvatarExplorer,
	AvatarScholar,
	AvatarDreamer,
	AvatarVoyager,
	AvatarSage,
	AvatarPoet,
}

// IsValidAvatar はアバターIDが固定リストに含まれるかを返す。
func IsValidAvatar(id string) bool {
	for _, a := range Avatars {
		if a == id {
			return true
		}
	}
	return false
}
