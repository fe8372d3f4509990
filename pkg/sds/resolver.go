package sds

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config carries the directory connection settings.
type Config struct {
	// Server is the directory host. Empty means cache-only operation.
	Server string
	// Port defaults to 389.
	Port int

	// CacheDir is the local cache location. Empty disables the cache, in
	// which case every query goes to the directory.
	CacheDir string

	// URLResolverFile is the tab-delimited SvcIA to URL override table.
	URLResolverFile string

	MyAsid     string
	MyPartyKey string

	Logger *slog.Logger
}

// Connection resolves transmission details, cache first with LDAP fallback,
// and answers URL override lookups.
type Connection struct {
	myAsid     string
	myPartyKey string

	cache        *cache
	dir          *directoryClient
	urlOverrides map[string]string
	log          *slog.Logger
}

// NewConnection builds a Connection from the given configuration. At least
// one of a directory server and a cache directory is required; with neither,
// nothing could ever be resolved.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.Server == "" && cfg.CacheDir == "" {
		return nil, errors.New("neither SDS server nor cache directory configured: cannot resolve anything")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Connection{
		myAsid:     cfg.MyAsid,
		myPartyKey: cfg.MyPartyKey,
		log:        log,
	}
	if cfg.CacheDir != "" {
		var err error
		if c.cache, err = newCache(cfg.CacheDir, log); err != nil {
			return nil, err
		}
	} else {
		log.Warn("no SDS cache directory set: all queries will be resolved directly from SDS and this MAY impact performance")
	}
	if cfg.Server != "" {
		port := cfg.Port
		if port == 0 {
			port = defaultPort
		}
		c.dir = &directoryClient{server: cfg.Server, port: port, log: log}
	}
	if cfg.URLResolverFile != "" {
		overrides, err := loadURLOverrides(cfg.URLResolverFile)
		if err != nil {
			return nil, err
		}
		c.urlOverrides = overrides
	}
	return c, nil
}

// MyAsid returns the local accredited system id.
func (c *Connection) MyAsid() string { return c.myAsid }

// MyPartyKey returns the local MHS party key.
func (c *Connection) MyPartyKey() string { return c.myPartyKey }

// loadURLOverrides reads the SvcIA to URL override table. Lines starting
// with '#' and blank lines are skipped; anything without a tab is ignored.
func loadURLOverrides(file string) (map[string]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening URL resolver file: %w", err)
	}
	defer f.Close()

	overrides := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		tab := strings.IndexByte(line, '\t')
		if tab == -1 {
			continue
		}
		overrides[line[:tab]] = line[tab+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading URL resolver file: %w", err)
	}
	return overrides, nil
}

// ResolveURL returns the override URL for the given service-interaction, or
// "" when the directory endpoint URL should be used as-is.
func (c *Connection) ResolveURL(svcIA string) string {
	return c.urlOverrides[svcIA]
}

// TransmissionDetails resolves endpoint records matching the parameters.
// svcIA and ods are required; asid and pk are optional extra filters. The
// cache answers first; on a miss the directory is queried and any results
// are written through to the cache. An empty slice means the recipient
// cannot be resolved and nothing can be sent to it.
func (c *Connection) TransmissionDetails(svcIA, ods, asid, pk string) ([]*TransmissionDetails, error) {
	if svcIA == "" {
		return nil, errors.New("SvcIA may not be empty")
	}
	if ods == "" {
		return nil, errors.New("ODS code may not be empty")
	}
	if c.cache != nil {
		if l := c.cache.get(svcIA, ods, asid, pk); len(l) > 0 {
			return l, nil
		}
	}
	if c.dir == nil {
		return nil, nil
	}
	results, err := c.dir.transmissionDetails(svcIA, ods, asid, pk)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		for _, d := range results {
			if err := c.cache.put(d); err != nil {
				c.log.Error("failed to cache transmission detail",
					"svcIA", d.SvcIA, "partyKey", d.PartyKey, "error", err)
			}
		}
	}
	return results, nil
}
