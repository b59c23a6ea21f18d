package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"uptime_nexus/internal/shared/types"
)

// LoadIni 将 ini 文件映射到 cfg 上。cfg 中已有的值作为默认值保留。
// 文件不存在时不报错，直接使用默认配置。
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		if _, err := os.Stat(fileName); err == nil {
			iniFile, err := ini.Load(fileName)
			if err != nil {
				return err
			}
			if err := iniFile.MapTo(cfg); err != nil {
				return err
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	overrideFromEnvInt(&cfg.WebConf.Port, "NEXUS_WEB_PORT")
	overrideFromEnvString(&cfg.LogConf.Level, "NEXUS_LOG_LEVEL")
	return Validate(cfg)
}

// Validate rejects configurations the managers cannot run with.
func Validate(cfg *types.Config) error {
	t := cfg.TimingConf
	switch {
	case t.RetryIntervalSec <= 0:
		return fmt.Errorf("timing.retry_interval_sec must be positive")
	case t.PingIntervalSec <= 0:
		return fmt.Errorf("timing.ping_interval_sec must be positive")
	case t.StaleAfterSec <= 0:
		return fmt.Errorf("timing.stale_after_sec must be positive")
	case t.PollIntervalSec <= 0:
		return fmt.Errorf("timing.poll_interval_sec must be positive")
	case t.RequestAttempts <= 0:
		return fmt.Errorf("timing.request_attempts must be positive")
	case t.CooldownMaxMs < t.CooldownMinMs:
		return fmt.Errorf("timing.cooldown_max_ms must not be below cooldown_min_ms")
	case t.StaggerMaxSec < t.StaggerMinSec:
		return fmt.Errorf("timing.stagger_max_sec must not be below stagger_min_sec")
	}
	if cfg.RemoteConf.WebSocketURL == "" || cfg.RemoteConf.SessionURL == "" {
		return fmt.Errorf("remote.websocket_url and remote.session_url are required")
	}
	return nil
}

// LoadTokens 读取 tokens 文件，每行一个 token，去掉首尾空白与引号。
func LoadTokens(fileName string) ([]string, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens file: %w", err)
	}
	var tokens []string
	for _, line := range strings.Split(string(data), "\n") {
		token := strings.Trim(strings.TrimSpace(line), `'"`)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens found in %s", fileName)
	}
	return tokens, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
