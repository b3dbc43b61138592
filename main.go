package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xpagepool/conf"
	"github.com/zhukovaskychina/xpagepool/logger"
	"github.com/zhukovaskychina/xpagepool/page_pool"
)

func main() {
	fmt.Println("Starting XPagePool demo...")

	var configPath string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}

	config, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Println("failed to load configuration:", err)
		os.Exit(1)
	}

	logConfig := logger.LogConfig{
		ErrorLogPath: config.ErrorLogPath,
		InfoLogPath:  config.InfoLogPath,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	host := page_pool.NewSimHost()
	maxPooled := config.DeriveMaxPooledPages(1 << 20)
	if err := page_pool.Init(host, maxPooled); err != nil {
		logger.Fatalf("failed to initialize page pool subsystem: %v", err)
	}
	defer page_pool.Teardown()

	pool, err := page_pool.NewPool(&page_pool.PoolConfig{
		Name:  "demo",
		Host:  host,
		Attrs: &page_pool.SimAttributeSetter{},
	})
	if err != nil {
		logger.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Destroy()

	runSmoke(pool)
	page_pool.DumpState(os.Stdout)
}
