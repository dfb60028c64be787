package main

import (
	"fmt"

	"ember-db/heap"
	"ember-db/logging"
	"ember-db/mini"
	"ember-db/paging"
	"ember-db/store"
)

func main() {
	logger := logging.CreateDebugLogger()

	st, err := store.NewStore(*logger, store.Options{
		FileOptions: heap.FileOptions{
			PageSizeByte:     4096,
			FileDirectory:    "./test",
			HeapFileSizeByte: 4096 * 256,
		},
		CacheOptions: paging.CacheOptions{
			PageSizeByte:   4096,
			ExtentSizeByte: 16384,
			CapacityPages:  1024,
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create store")
		return
	}
	defer st.Close()

	cc := st.Cache()

	metaHead, err := cc.Allocator().AllocExtent()
	if err != nil {
		logger.Error().Err(err).Msg("failed to allocate metadata extent")
		return
	}

	allocator, root := mini.New(*logger, cc, st.KeyConfig(), metaHead, 0, 2, paging.PageTypeData)
	logger.Info().Msgf("stream root extent %d", root)

	// two batches carving pages in parallel streams of keys
	for i := 0; i < 12; i++ {
		key := []byte(fmt.Sprintf("user%03d", i*7))
		page := allocator.Alloc(0, key, nil)
		logger.Info().Msgf("batch 0 key %s -> page %d", key, page)
	}
	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("log%03d", i))
		page := allocator.Alloc(1, key, nil)
		logger.Info().Msgf("batch 1 key %s -> page %d", key, page)
	}

	allocator.Release([]byte("zzz"))
	mini.Dump(*logger, cc, st.KeyConfig(), metaHead)

	fullyReleased := mini.ReleaseRange(cc, st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData)
	logger.Info().Msgf("stream fully released: %v, extents in use: %d", fullyReleased, st.Allocator().InUse())
}
