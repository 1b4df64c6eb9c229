package lineup

import (
	"context"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
)

// DefaultPageSize is used by FetchMore when Config.PageSize is unset
const DefaultPageSize = 20

// FetchFunc loads one raw page of descriptors starting at offset.
// It returns at most limit items; fewer means the source is exhausted.
type FetchFunc func(ctx context.Context, offset, limit int, args map[string]any) ([]domain.Descriptor, error)

// Config parameterizes one lineup instance
type Config struct {
	// Prefix names the lineup and seeds its UIDs
	Prefix string
	// Dedupe drops entities already present (first occurrence wins)
	Dedupe bool
	// MaxEntries caps the lineup length; 0 means unbounded
	MaxEntries int
	// KeepDeleted retains tombstoned entities as flagged placeholders
	// instead of dropping them
	KeepDeleted bool
	// PageSize is the limit used by FetchMore
	PageSize int
	// CappedPages is for sources that never return more than the requested
	// limit. HasMore then follows len(page) == limit, which costs one empty
	// fetch at the end. Otherwise every fetch asks for limit+1 items and the
	// extra item only signals that another page exists.
	CappedPages bool
	// Args is passed through to every FetchFunc call
	Args map[string]any
}

func (c Config) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

// Cache is the entity cache as seen by a lineup
type Cache interface {
	domain.EntityReader
	domain.SubscriptionRegistry
	Add(kind domain.Kind, entries []cache.Entry)
	Watch(fn func(cache.Event)) func()
}
