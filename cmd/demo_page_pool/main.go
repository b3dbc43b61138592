package main

import (
	"context"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xpagepool/logger"
	"github.com/zhukovaskychina/xpagepool/page_pool"
)

// 演示共享桶的预热命中与轮转回收
func main() {
	logger.InitLogger(logger.LogConfig{LogLevel: "info"})

	host := page_pool.NewSimHost()
	if err := page_pool.Init(host, 1024); err != nil {
		fmt.Println("init failed:", err)
		os.Exit(1)
	}
	defer page_pool.Teardown()

	pool, err := page_pool.NewPool(&page_pool.PoolConfig{
		Name:  "demo_page_pool",
		Host:  host,
		Attrs: &page_pool.SimAttributeSetter{},
	})
	if err != nil {
		fmt.Println("pool creation failed:", err)
		os.Exit(1)
	}
	defer pool.Destroy()

	ctx := context.Background()

	// 冷启动分配
	out := make([]page_pool.PageID, 64)
	req := &page_pool.PopulateRequest{NumPages: 64, Caching: page_pool.CachingWriteCombined, Zero: true}
	if err := pool.Populate(ctx, req, out); err != nil {
		fmt.Println("populate failed:", err)
		os.Exit(1)
	}
	fmt.Printf("cold populate: %d fresh allocations\n", pool.Stats().FreshAllocs)

	pool.DrainIntoPool(out, page_pool.CachingWriteCombined)
	fmt.Println("after drain:")
	page_pool.DumpState(os.Stdout)

	// 预热命中
	if err := pool.Populate(ctx, req, out); err != nil {
		fmt.Println("populate failed:", err)
		os.Exit(1)
	}
	fmt.Printf("warm populate: %d bucket hits, %d fresh allocations\n",
		pool.Stats().BucketHits, pool.Stats().FreshAllocs)
	pool.DrainIntoPool(out, page_pool.CachingWriteCombined)

	// 内存压力下的回收
	freed := page_pool.GlobalShrinker().Scan(32)
	fmt.Printf("scan(32) freed %d pages\n", freed)
	page_pool.DumpState(os.Stdout)
}
