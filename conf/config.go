package conf

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/**
[page_pool]
max_pooled_pages   = 1048576
pool_mem_fraction  = 50
zero_batch_runs    = 32
zero_passes        = 4
use_dma32          = false

[log]
level          = info
info_log_path  = logs/xpagepool.log
error_log_path = logs/xpagepool-error.log
*/
type Cfg struct {
	Raw *ini.File

	// page_pool
	MaxPooledPages  int64 // 全局缓存页面上限，0表示按PoolMemFraction推导
	PoolMemFraction int   // 当MaxPooledPages为0时按物理内存百分比推导
	ZeroBatchRuns   int   // 后台清零每趟处理的run数量
	ZeroPasses      int   // 每次唤醒最多执行的趟数
	UseDMA32        bool

	// log
	LogLevel     string
	InfoLogPath  string
	ErrorLogPath string
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:             ini.Empty(),
		MaxPooledPages:  0,
		PoolMemFraction: 50,
		ZeroBatchRuns:   32,
		ZeroPasses:      4,
		UseDMA32:        false,
		LogLevel:        "info",
	}
}

// Load 从ini配置文件加载，文件缺失时保留默认值
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setConfigPath(args)
	if ConfigPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(ConfigPath); err != nil {
		return cfg, nil
	}

	iniFile, err := ini.Load(ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %v", ConfigPath, err)
	}
	cfg.Raw = iniFile

	cfg.parsePoolCfg(cfg.Raw.Section("page_pool"))
	cfg.parseLogCfg(cfg.Raw.Section("log"))
	return cfg, nil
}

func setConfigPath(args *CommandLineArgs) {
	if args != nil && args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
	}
}

func (cfg *Cfg) parsePoolCfg(section *ini.Section) {
	cfg.MaxPooledPages = section.Key("max_pooled_pages").MustInt64(cfg.MaxPooledPages)
	cfg.PoolMemFraction = section.Key("pool_mem_fraction").MustInt(cfg.PoolMemFraction)
	cfg.ZeroBatchRuns = section.Key("zero_batch_runs").MustInt(cfg.ZeroBatchRuns)
	cfg.ZeroPasses = section.Key("zero_passes").MustInt(cfg.ZeroPasses)
	cfg.UseDMA32 = section.Key("use_dma32").MustBool(cfg.UseDMA32)

	if cfg.PoolMemFraction <= 0 || cfg.PoolMemFraction > 100 {
		cfg.PoolMemFraction = 50
	}
	if cfg.ZeroBatchRuns <= 0 {
		cfg.ZeroBatchRuns = 32
	}
	if cfg.ZeroPasses <= 0 {
		cfg.ZeroPasses = 4
	}
}

func (cfg *Cfg) parseLogCfg(section *ini.Section) {
	cfg.LogLevel = section.Key("level").MustString(cfg.LogLevel)
	cfg.InfoLogPath = section.Key("info_log_path").MustString(cfg.InfoLogPath)
	cfg.ErrorLogPath = section.Key("error_log_path").MustString(cfg.ErrorLogPath)
}

// DeriveMaxPooledPages 根据总页面数和配置比例推导上限
func (cfg *Cfg) DeriveMaxPooledPages(totalPages int64) int64 {
	if cfg.MaxPooledPages > 0 {
		return cfg.MaxPooledPages
	}
	return totalPages * int64(cfg.PoolMemFraction) / 100
}
