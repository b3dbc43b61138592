package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zhukovaskychina/xpagepool/logger"
	"github.com/zhukovaskychina/xpagepool/page_pool"
)

// 演示动态池的延迟清零路径
func main() {
	logger.InitLogger(logger.LogConfig{LogLevel: "info"})

	host := page_pool.NewSimHost()
	if err := page_pool.Init(host, 0); err != nil {
		fmt.Println("init failed:", err)
		os.Exit(1)
	}
	defer page_pool.Teardown()

	dp, err := page_pool.NewDynamicPool(&page_pool.DynamicPoolConfig{
		Pool: page_pool.PoolConfig{
			Name:  "demo_dynamic",
			Host:  host,
			Attrs: &page_pool.SimAttributeSetter{},
		},
		DeferredZero: true,
	})
	if err != nil {
		fmt.Println("dynamic pool creation failed:", err)
		os.Exit(1)
	}
	defer dp.Destroy()

	ctx := context.Background()
	out := make([]page_pool.PageID, 64)
	req := &page_pool.PopulateRequest{
		NumPages: 64,
		Caching:  page_pool.CachingWriteCombined,
		Highmem:  true,
	}
	if err := dp.Populate(ctx, req, out); err != nil {
		fmt.Println("populate failed:", err)
		os.Exit(1)
	}
	fmt.Println("populated 64 dirty high-memory pages")

	dp.DrainIntoPool(out, page_pool.CachingWriteCombined)
	fmt.Printf("drained, dirty pages now %d\n", dp.DirtyPages())

	if !dp.WaitIdle(5 * time.Second) {
		fmt.Println("worker did not go idle")
		os.Exit(1)
	}
	stats := dp.Stats().Snapshot()
	fmt.Printf("worker idle: %d runs zeroed, %d pages zeroed, %d pages pooled clean\n",
		stats.RunsZeroed, stats.PagesZeroed, page_pool.GlobalPages())
	page_pool.DumpState(os.Stdout)
}
