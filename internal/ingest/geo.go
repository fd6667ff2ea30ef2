package ingest

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// GeoLookup resolves client IPs to ISO country codes from a MaxMind database.
// A nil *GeoLookup is valid and resolves nothing.
type GeoLookup struct {
	db    *maxminddb.Reader
	cache *GeoCache
}

// NewGeo opens the MaxMind database at path. An empty path disables GeoIP and
// returns (nil, nil).
func NewGeo(path string, cache *GeoCache) (*GeoLookup, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewGeoCache(DefaultGeoCacheConfig())
	}
	return &GeoLookup{db: db, cache: cache}, nil
}

// Country returns the ISO code for ip, or "" when it cannot be resolved.
func (g *GeoLookup) Country(ip string) string {
	if g == nil || g.db == nil || ip == "" {
		return ""
	}
	if country, ok := g.cache.Get(ip); ok {
		return country
	}

	country := g.lookup(ip)
	g.cache.Set(ip, country)
	return country
}

func (g *GeoLookup) lookup(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var record struct {
		Country struct {
			ISO string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
		RegisteredCountry struct {
			ISO string `maxminddb:"iso_code"`
		} `maxminddb:"registered_country"`
	}
	if err := g.db.Lookup(parsed, &record); err != nil {
		return ""
	}
	if record.Country.ISO != "" {
		return record.Country.ISO
	}
	return record.RegisteredCountry.ISO
}

// CacheStats returns the lookup cache statistics, or nil when GeoIP is disabled.
func (g *GeoLookup) CacheStats() *GeoCacheStats {
	if g == nil || g.cache == nil {
		return nil
	}
	st := g.cache.Stats()
	return &st
}

// Close releases the MaxMind database.
func (g *GeoLookup) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
