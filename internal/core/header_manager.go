package core

import (
	"net/http"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/config"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// DefaultUserAgent 静态收集默认User-Agent
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/120.0.0.0 Safari/537.36"

// HeaderManager 静态收集请求头部的生命周期管理
// 三层合并: 硬编码默认 < headers.yaml < 命令行 --header
// 实现 models.HeaderProvider 接口
type HeaderManager struct {
	configFile string

	defaults http.Header
	config   http.Header
	cli      http.Header

	validator    *utils.HeaderValidator
	redactor     *utils.HeaderRedactor
	configLoader *config.HeaderConfigLoader

	loaded bool
}

// NewHeaderManager 创建头部管理器; 命令行头部解析失败时返回错误
func NewHeaderManager(configFile string, cliHeaders []string) (*HeaderManager, error) {
	hm := &HeaderManager{
		configFile:   configFile,
		defaults:     getDefaultHeaders(),
		validator:    utils.NewHeaderValidator(),
		redactor:     utils.NewHeaderRedactor(),
		configLoader: config.NewHeaderConfigLoader(configFile),
	}

	if len(cliHeaders) > 0 {
		parsed, err := models.CliHeaders(cliHeaders).Parse()
		if err != nil {
			return nil, err
		}
		hm.cli = parsed
	} else {
		hm.cli = make(http.Header)
	}
	return hm, nil
}

func getDefaultHeaders() http.Header {
	return http.Header{
		"User-Agent":      []string{DefaultUserAgent},
		"Accept":          []string{"*/*"},
		"Accept-Encoding": []string{"gzip, deflate, br"},
	}
}

// LoadConfig 加载headers.yaml; 已加载则跳过
func (hm *HeaderManager) LoadConfig() error {
	if hm.loaded {
		return nil
	}

	headerConfig, err := hm.configLoader.LoadConfig()
	if err != nil {
		utils.Errorf("加载HTTP头部配置失败: %v", err)
		return err
	}

	hm.config = make(http.Header)
	for name, value := range headerConfig.Headers {
		hm.config.Set(name, value)
	}
	hm.loaded = true

	if len(headerConfig.Headers) > 0 {
		utils.Debugf("成功加载%d个HTTP头部配置: %v",
			len(headerConfig.Headers), hm.redactor.Redact(hm.config))
	}
	return nil
}

// Validate 验证三层头部的合法性
func (hm *HeaderManager) Validate() error {
	for _, headers := range []http.Header{hm.defaults, hm.config, hm.cli} {
		if err := hm.validator.Validate(headers); err != nil {
			return err
		}
	}
	return nil
}

// GetMergedHeaders 按优先级合并 (default < config < cli)
func (hm *HeaderManager) GetMergedHeaders() http.Header {
	result := make(http.Header)
	for _, headers := range []http.Header{hm.defaults, hm.config, hm.cli} {
		for name, values := range headers {
			result[name] = values
		}
	}
	return result
}

// GetSafeHeaders 脱敏后的合并头部(用于日志和--validate-config输出)
func (hm *HeaderManager) GetSafeHeaders() map[string]string {
	return hm.redactor.Redact(hm.GetMergedHeaders())
}

// GetHeaders 实现 models.HeaderProvider
func (hm *HeaderManager) GetHeaders() (http.Header, error) {
	if err := hm.LoadConfig(); err != nil {
		return nil, err
	}
	if err := hm.Validate(); err != nil {
		return nil, err
	}
	return hm.GetMergedHeaders(), nil
}
