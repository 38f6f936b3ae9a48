// Package geoip resolves server addresses to country codes so records can
// be filtered by region. The MaxMind database is fetched and refreshed on
// demand; lookups are optional and never fail a probe.
package geoip

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/models"
)

// Provider wraps a GeoIP2 reader and enriches records with country codes.
type Provider struct {
	db *geoip2.Reader
}

// Open initializes the provider from an MMDB file.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Provider{db: db}, nil
}

// Close releases the underlying reader.
func (p *Provider) Close() error {
	return p.db.Close()
}

// CountryCode returns the ISO country code for a host, or an empty string
// when the host is not an IP or has no known location.
func (p *Provider) CountryCode(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	country, err := p.db.Country(ip)
	if err != nil {
		return ""
	}
	return country.Country.IsoCode
}

// Enrich stamps the record with the country of its address.
func (p *Provider) Enrich(rec *models.Record) {
	if code := p.CountryCode(rec.Address.Host); code != "" {
		rec.CountryCode = code
	}
}

// EnsureDB downloads the MMDB file when it is missing or older than
// maxAge. The download goes through a temporary file so a failed transfer
// never clobbers a working database.
func EnsureDB(path, url string, maxAge time.Duration) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && time.Since(info.ModTime()) < maxAge:
		return nil
	case err == nil:
		log.Info().Str("path", path).Msg("GeoIP database outdated, updating")
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("GeoIP database missing, downloading")
	default:
		return err
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoip download returned %s", resp.Status)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
