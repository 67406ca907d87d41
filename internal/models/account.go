package models

import (
	"fmt"
	"strings"
)

// Account 注册站点的一个登录账号
// 来源文件支持三种格式: JSON数组 / NDJSON / 纯文本(email<分隔符>password)
type Account struct {
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	FullName  string  `json:"full_name,omitempty"`
	Company   string  `json:"company,omitempty"`
	Role      string  `json:"role,omitempty"`
	RoleValue int     `json:"role_value,omitempty"`
	Timestamp float64 `json:"ts,omitempty"` // 注册时间戳, 去重时保留较新者
}

// Key 去重键: 小写邮箱
func (a Account) Key() string {
	return strings.ToLower(strings.TrimSpace(a.Email))
}

// Usable 账号是否可用于登录
func (a Account) Usable() bool {
	return a.Key() != "" && a.Password != ""
}

// Validate 验证账号完整性
func (a Account) Validate() error {
	if a.Key() == "" {
		return fmt.Errorf("账号缺少邮箱")
	}
	if a.Password == "" {
		return fmt.Errorf("账号 %s 缺少密码", a.Email)
	}
	return nil
}
