package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/midas-platform/midas/pkg/dbio"
)

// AltBigCache indexes a directory of NERDm records kept outside the
// document store because they exceed its size cap. Files are named
// <AIPID>-v<V_E_R>.json with the version underscore-separated; the long
// EDI-ID of a resource works as an alias through the @id and ediid fields
// embedded in the record.
type AltBigCache struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	aliases map[string]string
}

type cacheEntry struct {
	versions map[string]string // version -> file name
	latest   string
}

// NewAltBigCache indexes the directory. A missing directory yields an
// empty cache rather than an error so deployments without oversized
// records need no setup.
func NewAltBigCache(dir string) (*AltBigCache, error) {
	c := &AltBigCache{dir: dir}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the cache directory, rebuilding the index and aliases.
func (c *AltBigCache) Refresh() error {
	entries := map[string]*cacheEntry{}
	aliases := map[string]string{}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.install(entries, aliases)
			return nil
		}
		return fmt.Errorf("scanning alt-big cache %s: %w", c.dir, err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		aipid, ver, ok := parseCacheName(f.Name())
		if !ok {
			continue
		}
		ent := entries[aipid]
		if ent == nil {
			ent = &cacheEntry{versions: map[string]string{}}
			entries[aipid] = ent
		}
		ent.versions[ver] = f.Name()
		if ent.latest == "" || versionLess(ent.latest, ver) {
			ent.latest = ver
		}
	}

	for aipid, ent := range entries {
		doc, err := c.load(ent.versions[ent.latest])
		if err != nil {
			continue
		}
		if id, ok := doc["@id"].(string); ok && id != "" {
			aliases[id] = aipid
		}
		if ediid, ok := doc["ediid"].(string); ok && ediid != "" {
			aliases[ediid] = aipid
		}
	}

	c.install(entries, aliases)
	return nil
}

func (c *AltBigCache) install(entries map[string]*cacheEntry, aliases map[string]string) {
	c.mu.Lock()
	c.entries = entries
	c.aliases = aliases
	c.mu.Unlock()
}

// Holds reports whether the cache has the resource, at the given version
// when one is named.
func (c *AltBigCache) Holds(id, version string) bool {
	ent := c.lookup(id)
	if ent == nil {
		return false
	}
	if version == "" {
		return true
	}
	_, ok := ent.versions[version]
	return ok
}

// LatestVersion reports the newest cached version of the resource, empty
// when the cache does not hold it.
func (c *AltBigCache) LatestVersion(id string) string {
	if ent := c.lookup(id); ent != nil {
		return ent.latest
	}
	return ""
}

// Latest returns the newest cached record for the resource.
func (c *AltBigCache) Latest(id string) (map[string]any, error) {
	ent := c.lookup(id)
	if ent == nil {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	return c.load(ent.versions[ent.latest])
}

// Version returns one specific cached version of the resource.
func (c *AltBigCache) Version(id, version string) (map[string]any, error) {
	ent := c.lookup(id)
	if ent == nil {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	name, ok := ent.versions[version]
	if !ok {
		return nil, &dbio.ObjectNotFoundError{ID: id, Part: "version " + version}
	}
	return c.load(name)
}

func (c *AltBigCache) lookup(id string) *cacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ent, ok := c.entries[id]; ok {
		return ent
	}
	if aipid, ok := c.aliases[id]; ok {
		return c.entries[aipid]
	}
	// an ARK id indexes under its local part
	if i := strings.LastIndex(id, "/"); i >= 0 {
		if ent, ok := c.entries[id[i+1:]]; ok {
			return ent
		}
	}
	return nil
}

func (c *AltBigCache) load(name string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading cached record %s: %w", name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cached record %s is not JSON: %w", name, err)
	}
	return doc, nil
}

// parseCacheName splits <AIPID>-v<V_E_R>.json into its id and dotted
// version.
func parseCacheName(name string) (aipid, version string, ok bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(base, "-v")
	if i <= 0 || i+2 >= len(base) {
		return "", "", false
	}
	return base[:i], strings.ReplaceAll(base[i+2:], "_", "."), true
}

// versionLess orders versions semantically, falling back to string order
// for versions semver cannot parse.
func versionLess(a, b string) bool {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return a < b
	}
	return va.LessThan(vb)
}
