package utils

import (
	"net/http"
	"strings"
	"testing"
)

func TestHeaderValidator_ValidateName(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerName  string
		expectError bool
	}{
		{"合法名称-字母", "User-Agent", false},
		{"合法名称-数字", "X-Request-ID-123", false},
		{"合法名称-连字符", "Accept-Language", false},
		{"非法名称-空格", "User Agent", true},
		{"非法名称-下划线", "User_Agent", true},
		{"非法名称-特殊字符", "User@Agent", true},
		{"非法名称-空字符串", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateName(tt.headerName)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ValidateValue(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerName  string
		headerValue string
		expectError bool
	}{
		{"合法值-ASCII", "User-Agent", "Mozilla/5.0", false},
		{"合法值-空字符串", "X-Empty", "", false},
		{"合法值-长字符串", "X-Long", strings.Repeat("a", 8000), false},
		{"非法值-超长", "X-TooLong", strings.Repeat("a", MaxHeaderValueLength+1), true},
		{"非法值-控制字符", "X-Bad", "value\x00with\x01null", true},
		{"非法值-非ASCII", "X-Utf8", "中文值", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateValue(tt.headerName, tt.headerValue)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ForbiddenHeaders(t *testing.T) {
	validator := NewHeaderValidator()

	for _, name := range []string{"Host", "host", "Content-Length", "connection"} {
		if !validator.IsForbidden(name) {
			t.Errorf("%s 应该被禁止自定义", name)
		}
		if err := validator.ValidateHeader(name, "x"); err == nil {
			t.Errorf("%s 验证应该失败", name)
		}
	}
	if validator.IsForbidden("User-Agent") {
		t.Error("User-Agent 不应该被禁止")
	}
}

func TestHeaderValidator_Validate(t *testing.T) {
	validator := NewHeaderValidator()

	good := http.Header{"User-Agent": []string{"Bot/1.0"}, "Accept": []string{"*/*"}}
	if err := validator.Validate(good); err != nil {
		t.Errorf("合法头部集不应该报错: %v", err)
	}

	bad := http.Header{"Host": []string{"evil.example"}}
	if err := validator.Validate(bad); err == nil {
		t.Error("含禁止头部的集合应该报错")
	}
}

func TestHeaderRedactor(t *testing.T) {
	redactor := NewHeaderRedactor()

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"Bearer令牌", "Authorization", "Bearer abc123def456", "Bearer ***"},
		{"长密钥", "X-Api-Key", "sk_live_1234567890", "sk_l***7890"},
		{"短密钥", "X-Token", "short", "***"},
		{"普通头部不脱敏", "User-Agent", "Mozilla/5.0", "Mozilla/5.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactor.RedactHeaderValue(tt.header, tt.value)
			if got != tt.want {
				t.Errorf("期望 %q, 实际 %q", tt.want, got)
			}
		})
	}

	redacted := redactor.Redact(http.Header{
		"Cookie":     []string{"session=abcdef123456"},
		"User-Agent": []string{"Bot/1.0"},
	})
	if redacted["User-Agent"] != "Bot/1.0" {
		t.Error("普通头部应该原样保留")
	}
	if strings.Contains(redacted["Cookie"], "abcdef123456") {
		t.Errorf("Cookie应该被脱敏: %s", redacted["Cookie"])
	}
}
