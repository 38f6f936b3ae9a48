// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/karstfell/muster/internal/logger"
	"github.com/karstfell/muster/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	Directory Directory     `group:"Directory Options" env-namespace:"MUSTER"`
	Transport Transport     `group:"Transport Options" namespace:"transport" env-namespace:"MUSTER_TRANSPORT"`
	Probe     Probe         `group:"Probe Options" namespace:"probe" env-namespace:"MUSTER_PROBE"`
	Roster    Roster        `group:"Roster Options" namespace:"roster" env-namespace:"MUSTER_ROSTER"`
	Cache     Cache         `group:"Cache Options" namespace:"cache" env-namespace:"MUSTER_CACHE"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"MUSTER_GEOIP"`
	Output    Output        `group:"Output Options" namespace:"out" env-namespace:"MUSTER_OUT"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"MUSTER_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Directory holds directory service configuration.
type Directory struct {
	URL     string        `short:"u" long:"url" env:"DIRECTORY_URL" description:"Directory service base URL"`
	Timeout time.Duration `long:"directory-timeout" env:"DIRECTORY_TIMEOUT" description:"Directory request timeout" default:"10s"`
	Fake    int           `long:"fake" env:"FAKE" description:"Run against N in-process fake servers instead of a directory" default:"0"`
	Watch   time.Duration `short:"w" long:"watch" env:"WATCH" description:"Keep refreshing at this interval until interrupted" default:"0"`
}

// Transport holds UDP query transport configuration.
type Transport struct {
	Rate    float64       `long:"rate" env:"RATE" description:"Outbound queries per second" default:"50"`
	Burst   int           `long:"burst" env:"BURST" description:"Outbound query burst size" default:"10"`
	Timeout time.Duration `long:"timeout" env:"TIMEOUT" description:"Per-exchange reply timeout" default:"2s"`
}

// Probe holds per-server probe configuration.
type Probe struct {
	Retries    int           `long:"retries" env:"RETRIES" description:"Retries per probe step on timeout" default:"2"`
	RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" description:"Delay between probe retries" default:"250ms"`
	FanOut     int           `long:"fan-out" env:"FAN_OUT" description:"Max servers probed concurrently" default:"32"`
}

// Roster holds liveness bookkeeping configuration.
type Roster struct {
	StaleAfter       time.Duration `long:"stale-after" env:"STALE_AFTER" description:"Age after which a server is stale" default:"30s"`
	UnreachableAfter time.Duration `long:"unreachable-after" env:"UNREACHABLE_AFTER" description:"Age after which a server is unreachable" default:"120s"`
	SweepInterval    time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" description:"Liveness sweep interval in watch mode" default:"5s"`
}

// Cache holds local warm-start cache configuration.
type Cache struct {
	Path  string        `short:"d" long:"path" env:"PATH" description:"Path to SQLite server cache" default:"muster.db"`
	Prune time.Duration `long:"prune" env:"PRUNE" description:"Drop cached servers not seen within this duration" default:"168h"`
	Skip  bool          `long:"skip" env:"SKIP" description:"Do not read or write the server cache"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"muster.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
	Skip     bool          `long:"skip" env:"SKIP" description:"Disable country lookups"`
}

// Output holds listing filter and sort configuration.
type Output struct {
	Name           string `long:"name" env:"NAME" description:"Show only servers whose name contains this text"`
	Map            string `long:"map" env:"MAP" description:"Show only servers whose map contains this text"`
	MaxPing        int    `long:"max-ping" env:"MAX_PING" description:"Show only servers at or below this ping in ms" default:"0"`
	HideFull       bool   `long:"hide-full" env:"HIDE_FULL" description:"Hide full servers"`
	HideEmpty      bool   `long:"hide-empty" env:"HIDE_EMPTY" description:"Hide empty servers"`
	HidePassworded bool   `long:"hide-passworded" env:"HIDE_PASSWORDED" description:"Hide passworded servers"`
	Sort           string `long:"sort" env:"SORT" description:"Sort key (name, map, players, ping)" default:"players"`
	Ascending      bool   `long:"asc" env:"ASC" description:"Sort ascending instead of descending"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the
// help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Directory.URL == "" && cfg.Directory.Fake == 0 {
		fmt.Fprintln(os.Stderr,
			"Required flag `-u, --url' or environment variable `MUSTER_DIRECTORY_URL` was not specified!")
		os.Exit(1)
	}

	return &cfg
}
