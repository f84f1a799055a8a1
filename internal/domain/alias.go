package domain

import (
	"strings"
	"time"
)

// UnroutedDeviceID 是无人认领邮件的哨兵设备桶。
// 收件地址没有任何设备映射时，邮件仍会落到这个桶里供运维排查。
const UnroutedDeviceID = "unrouted"

// Alias 表示设备持有的一个收件地址。
//
// 地址唯一性只在单个设备内保证：不同设备可以持有同一个地址，
// 投递时会对所有持有者做扇出。
type Alias struct {
	Address       string    `json:"address" gorm:"primaryKey;type:varchar(254)"`
	OwnerDeviceID string    `json:"ownerDeviceId" gorm:"primaryKey;type:varchar(64);index"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LocalPart 返回地址 @ 前面的部分。
func (a Alias) LocalPart() string {
	if i := strings.IndexByte(a.Address, '@'); i >= 0 {
		return a.Address[:i]
	}
	return a.Address
}

// Domain 返回地址 @ 后面的域名部分。
func (a Alias) Domain() string {
	if i := strings.IndexByte(a.Address, '@'); i >= 0 {
		return a.Address[i+1:]
	}
	return ""
}

// NormalizeAddress 将地址规整为小写并去除首尾空白。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
