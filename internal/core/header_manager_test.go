package core

import (
	"os"
	"path/filepath"
	"testing"
)

func headerConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "headers.yaml")
}

func TestHeaderManager_DefaultHeaders(t *testing.T) {
	hm, err := NewHeaderManager(headerConfigPath(t), nil)
	if err != nil {
		t.Fatalf("创建头部管理器失败: %v", err)
	}

	headers, err := hm.GetHeaders()
	if err != nil {
		t.Fatalf("获取头部失败: %v", err)
	}

	t.Run("默认头部存在", func(t *testing.T) {
		if headers.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("默认User-Agent不正确: %s", headers.Get("User-Agent"))
		}
		if headers.Get("Accept") == "" {
			t.Error("默认Accept头部缺失")
		}
		if headers.Get("Accept-Encoding") == "" {
			t.Error("默认Accept-Encoding头部缺失")
		}
	})
}

func TestHeaderManager_ConfigFileOverride(t *testing.T) {
	configPath := headerConfigPath(t)
	content := `headers:
  User-Agent: "ConfigBot/2.0"
  Accept-Language: "zh-CN,zh;q=0.9"
`
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	hm, err := NewHeaderManager(configPath, nil)
	if err != nil {
		t.Fatalf("创建头部管理器失败: %v", err)
	}
	headers, err := hm.GetHeaders()
	if err != nil {
		t.Fatalf("获取头部失败: %v", err)
	}

	if headers.Get("User-Agent") != "ConfigBot/2.0" {
		t.Errorf("配置文件应覆盖默认User-Agent, 实际: %s", headers.Get("User-Agent"))
	}
	if headers.Get("Accept-Language") != "zh-CN,zh;q=0.9" {
		t.Errorf("配置文件新增头部缺失: %s", headers.Get("Accept-Language"))
	}
}

func TestHeaderManager_CliOverridesAll(t *testing.T) {
	configPath := headerConfigPath(t)
	if err := os.WriteFile(configPath,
		[]byte("headers:\n  User-Agent: \"ConfigBot/2.0\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	hm, err := NewHeaderManager(configPath, []string{
		"User-Agent: CustomBot/1.0",
		"Authorization: Bearer test-token-12345",
	})
	if err != nil {
		t.Fatalf("创建头部管理器失败: %v", err)
	}
	headers, err := hm.GetHeaders()
	if err != nil {
		t.Fatalf("获取头部失败: %v", err)
	}

	if headers.Get("User-Agent") != "CustomBot/1.0" {
		t.Errorf("命令行应覆盖配置文件, 实际: %s", headers.Get("User-Agent"))
	}
	if headers.Get("Authorization") != "Bearer test-token-12345" {
		t.Errorf("命令行新增头部缺失: %s", headers.Get("Authorization"))
	}

	t.Run("安全输出脱敏", func(t *testing.T) {
		safe := hm.GetSafeHeaders()
		if safe["Authorization"] != "Bearer ***" {
			t.Errorf("Authorization应该脱敏, 实际: %s", safe["Authorization"])
		}
		if safe["User-Agent"] != "CustomBot/1.0" {
			t.Errorf("普通头部不应脱敏: %s", safe["User-Agent"])
		}
	})
}

func TestHeaderManager_InvalidCliHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"缺少冒号", "User-Agent CustomBot"},
		{"空名称", ": value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHeaderManager(headerConfigPath(t), []string{tt.header}); err == nil {
				t.Errorf("非法命令行头部 %q 应该报错", tt.header)
			}
		})
	}
}

func TestHeaderManager_ValidationRejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"禁止头部", "Host: evil.example"},
		{"非法名称", "User Agent: value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, err := NewHeaderManager(headerConfigPath(t), []string{tt.header})
			if err != nil {
				t.Fatalf("创建头部管理器失败: %v", err)
			}
			if _, err := hm.GetHeaders(); err == nil {
				t.Errorf("头部 %q 应该在验证阶段被拒绝", tt.header)
			}
		})
	}
}

func TestHeaderManager_GeneratesTemplate(t *testing.T) {
	configPath := headerConfigPath(t)

	hm, err := NewHeaderManager(configPath, nil)
	if err != nil {
		t.Fatalf("创建头部管理器失败: %v", err)
	}
	if _, err := hm.GetHeaders(); err != nil {
		t.Fatalf("获取头部失败: %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("首次加载应该生成配置模板: %v", err)
	}
}
