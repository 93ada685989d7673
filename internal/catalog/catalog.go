// Package catalog decorates the image repository with a short-TTL cache.
// The original design leaned on function-local static caches; this keeps
// the memoization but makes it an explicit component with explicit
// invalidation.
package catalog

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
)

const (
	// DefaultTTL keeps entries fresh enough that a production-revision
	// flip is visible within a minute.
	DefaultTTL = time.Minute

	defaultSize = 512
)

// CachedImages wraps an ImageRepository with expiring LRU caches for
// images, revisions, and the image-to-computer mapping.
type CachedImages struct {
	inner reserve.ImageRepository

	images     *expirable.LRU[string, *models.Image]
	revisions  *expirable.LRU[string, *models.ImageRevision]
	production *expirable.LRU[string, *models.ImageRevision]
	mapping    *expirable.LRU[string, []string]
}

// New wraps inner with caches of the given TTL. A zero TTL selects
// DefaultTTL.
func New(inner reserve.ImageRepository, ttl time.Duration) *CachedImages {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedImages{
		inner:      inner,
		images:     expirable.NewLRU[string, *models.Image](defaultSize, nil, ttl),
		revisions:  expirable.NewLRU[string, *models.ImageRevision](defaultSize, nil, ttl),
		production: expirable.NewLRU[string, *models.ImageRevision](defaultSize, nil, ttl),
		mapping:    expirable.NewLRU[string, []string](defaultSize, nil, ttl),
	}
}

func (c *CachedImages) Get(imageID string) (*models.Image, error) {
	if img, ok := c.images.Get(imageID); ok {
		return img, nil
	}
	img, err := c.inner.Get(imageID)
	if err != nil {
		return nil, err
	}
	if img != nil {
		c.images.Add(imageID, img)
	}
	return img, nil
}

func (c *CachedImages) Revision(revisionID string) (*models.ImageRevision, error) {
	if rev, ok := c.revisions.Get(revisionID); ok {
		return rev, nil
	}
	rev, err := c.inner.Revision(revisionID)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		c.revisions.Add(revisionID, rev)
	}
	return rev, nil
}

func (c *CachedImages) ProductionRevision(imageID string) (*models.ImageRevision, error) {
	if rev, ok := c.production.Get(imageID); ok {
		return rev, nil
	}
	rev, err := c.inner.ProductionRevision(imageID)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		c.production.Add(imageID, rev)
	}
	return rev, nil
}

func (c *CachedImages) ComputersForImage(imageID string) ([]string, error) {
	if ids, ok := c.mapping.Get(imageID); ok {
		return ids, nil
	}
	ids, err := c.inner.ComputersForImage(imageID)
	if err != nil {
		return nil, err
	}
	c.mapping.Add(imageID, ids)
	return ids, nil
}

// Invalidate drops every cached entry for the image.
func (c *CachedImages) Invalidate(imageID string) {
	c.images.Remove(imageID)
	c.production.Remove(imageID)
	c.mapping.Remove(imageID)
}
