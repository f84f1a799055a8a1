package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrInvalidDeviceID  = errors.New("invalid device id")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	// 设备 ID 长度限制
	MinDeviceIDLength = 1
	MaxDeviceIDLength = 64
)

var (
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)
	domainRegex    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
	deviceIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)
)

// ValidateAddress 完整验证一个收件地址。
//
// 先拆分做本地部分和域名检查，再过 mail.ParseAddress 兜底，
// 这样 "a..b@x" 这类地址报告的是具体的部分级错误而不是笼统的
// 格式错误。
func ValidateAddress(address string) error {
	address = NormalizeAddress(address)

	if len(address) > MaxEmailLength {
		return ErrEmailTooLong
	}

	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ErrInvalidEmail
	}

	if err := ValidateLocalPart(parts[0]); err != nil {
		return err
	}
	if err := ValidateDomain(parts[1]); err != nil {
		return err
	}

	if _, err := mail.ParseAddress(address); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateLocalPart 验证地址的本地部分。
func ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	// 不允许连续的特殊字符
	for _, pair := range []string{"..", ".-", "-.", "--", "__", "_.", "._"} {
		if strings.Contains(localPart, pair) {
			return ErrInvalidLocalPart
		}
	}
	return nil
}

// ValidateDomain 验证域名。
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateDeviceID 验证设备 ID。
// 设备 ID 是客户端自报的不透明标识，只做字符集和长度约束。
func ValidateDeviceID(deviceID string) error {
	if len(deviceID) < MinDeviceIDLength || len(deviceID) > MaxDeviceIDLength {
		return ErrInvalidDeviceID
	}
	if !deviceIDRegex.MatchString(deviceID) {
		return ErrInvalidDeviceID
	}
	return nil
}
