package main

import (
	"context"

	"github.com/zhukovaskychina/xpagepool/logger"
	"github.com/zhukovaskychina/xpagepool/page_pool"
)

// runSmoke runs two populate/drain rounds, the second served from the
// prewarmed buckets, and logs the pool's cumulative hit ratio after
// each round.
func runSmoke(pool *page_pool.Pool) {
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		var chunks [][]page_pool.PageID
		for i := 0; i < 8; i++ {
			out := make([]page_pool.PageID, 16)
			req := &page_pool.PopulateRequest{
				NumPages: 16,
				Caching:  page_pool.CachingWriteCombined,
				Zero:     true,
			}
			if err := pool.Populate(ctx, req, out); err != nil {
				logger.Errorf("populate failed: %v", err)
				return
			}
			chunks = append(chunks, out)
		}
		for _, c := range chunks {
			pool.DrainIntoPool(c, page_pool.CachingWriteCombined)
		}
		logger.Infof("round %d done, pooled pages %d, hit ratio %.2f",
			round, page_pool.GlobalPages(), pool.Stats().GetHitRatio())
	}
}
