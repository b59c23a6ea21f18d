package app

import (
	"fmt"
	"os"
	"strings"

	"uptime_nexus/internal/shared/config"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/shared/types"
)

// TokenEnv 是未通过 --token 传入时读取 token 的环境变量。
const TokenEnv = "NEXUS_TOKEN"

// Options carries the command line values that override the ini file.
type Options struct {
	ConfigPath string
	LogLevel   string
	Area       string
	Count      int
	DataDir    string
}

// LoadConfig 按 默认值 -> ini 文件 -> 环境变量 -> 命令行 的顺序构造配置，
// 并初始化全局 logger。
func LoadConfig(opts Options) (*types.Config, error) {
	cfg := types.NewDefaultConfig()
	if err := config.LoadIni(cfg, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", opts.ConfigPath, err)
	}
	if opts.LogLevel != "" {
		cfg.LogConf.Level = opts.LogLevel
	}
	if opts.Area != "" {
		cfg.ProxyConf.Area = opts.Area
	}
	if opts.Count > 0 {
		cfg.ProxyConf.Count = opts.Count
	}
	if opts.DataDir != "" {
		cfg.CommonConf.DataDir = opts.DataDir
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveToken returns flagValue, falling back to NEXUS_TOKEN.
func ResolveToken(flagValue string) (string, error) {
	token := strings.TrimSpace(flagValue)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	if token == "" {
		return "", fmt.Errorf("a token is required (--token or %s)", TokenEnv)
	}
	return token, nil
}
