// Package icons resolves species names to uploaded icon URLs, with a short
// read cache in front of the store.
package icons

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/model"
)

const indexCacheKey = "icon-index"

// Resolver maps species names to /data/icons/ URLs. The store index is
// cached briefly so snapshot publishes do not hit the database per frame.
type Resolver struct {
	store *datastore.Store
	dir   string
	cache *gocache.Cache
}

// NewResolver creates a resolver serving icons from dir.
func NewResolver(store *datastore.Store, dir string) *Resolver {
	return &Resolver{
		store: store,
		dir:   dir,
		cache: gocache.New(5*time.Second, time.Minute),
	}
}

// Index returns the species-key to filename mapping, served from cache when
// fresh.
func (r *Resolver) Index() map[string]string {
	if cached, ok := r.cache.Get(indexCacheKey); ok {
		if index, ok := cached.(map[string]string); ok {
			return index
		}
	}
	index := r.store.IconIndex()
	r.cache.SetDefault(indexCacheKey, index)
	return index
}

// Invalidate drops the cached index after an upload or delete.
func (r *Resolver) Invalidate() {
	r.cache.Delete(indexCacheKey)
}

// URLFor returns the icon URL for a species, or an empty string when no
// icon is mapped or the file has gone missing.
func (r *Resolver) URLFor(species string) string {
	key := datastore.NormalizeSpeciesKey(species)
	if key == "" {
		return ""
	}
	filename := r.Index()[key]
	if filename == "" {
		return ""
	}
	if _, err := os.Stat(filepath.Join(r.dir, filename)); err != nil {
		return ""
	}
	return "/data/icons/" + filename
}

// Save writes icon bytes for a species under a slug-derived filename,
// records the mapping and invalidates the cache. Returns the filename.
func (r *Resolver) Save(species string, data []byte) (string, error) {
	filename := model.Slugify(species) + ".png"
	if err := os.WriteFile(filepath.Join(r.dir, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("writing icon %s: %w", filename, err)
	}
	if err := r.store.UpsertSpeciesIcon(species, filename); err != nil {
		return "", err
	}
	r.Invalidate()
	return filename, nil
}

// Remove deletes the icon mapping and file for a species. Reports whether a
// mapping existed.
func (r *Resolver) Remove(species string) bool {
	filename, ok := r.store.RemoveSpeciesIcon(species)
	if ok {
		_ = os.Remove(filepath.Join(r.dir, filename))
	}
	r.Invalidate()
	return ok
}
