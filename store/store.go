package store

import (
	"ember-db/extent"
	"ember-db/heap"
	"ember-db/paging"
	"ember-db/records"

	"github.com/phuslu/log"
)

/*
Store wires the persistent stack together: heap files on disk, the
refcounting extent allocator over them, and the buffered page cache
on top. Structures that carve pages out of extents (mini allocators
and whatever they back) are built by callers against Cache(), the
store never owns them.
*/
type Options struct {
	heap.FileOptions
	paging.CacheOptions
}

type Store struct {
	logger  log.Logger
	options Options
	heap    heap.PageStore
	al      extent.Allocator
	cache   paging.Cache
	keys    records.KeyConfig
}

func NewStore(logger log.Logger, options Options) (*Store, error) {

	pageStore, err := heap.NewPageStore(logger, options.FileOptions)
	if err != nil {
		logger.Error().Err(err).Msg("error creating heap")
		return nil, err
	}

	al, err := extent.NewAllocator(logger, pageStore,
		uint64(options.FileOptions.PageSizeByte), uint64(options.ExtentSizeByte))
	if err != nil {
		logger.Error().Err(err).Msg("error creating extent allocator")
		pageStore.Close()
		return nil, err
	}

	cache, err := paging.NewBufferedCache(logger, pageStore, al, options.CacheOptions)
	if err != nil {
		logger.Error().Err(err).Msg("error creating page cache")
		pageStore.Close()
		return nil, err
	}

	return &Store{
		logger:  logger,
		options: options,
		heap:    pageStore,
		al:      al,
		cache:   cache,
		keys:    records.DefaultKeyConfig(),
	}, nil
}

func (s *Store) Cache() paging.Cache {
	return s.cache
}

func (s *Store) Allocator() extent.Allocator {
	return s.al
}

func (s *Store) KeyConfig() records.KeyConfig {
	return s.keys
}

func (s *Store) Flush() error {
	if err := s.cache.Flush(); err != nil {
		return err
	}
	return s.heap.Sync()
}

func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.heap.Close()
}
