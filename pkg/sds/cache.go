package sds

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// cache holds transmission details as JSON files on local disk, one
// directory per service-interaction and one file per party key, mirrored in
// memory for lookups. Colons in SvcIA values are escaped to '=' in directory
// names.
type cache struct {
	dir string
	log *slog.Logger

	mu sync.Mutex
	// Keyed on service-interaction.
	transmission map[string][]*TransmissionDetails
}

func newCache(dir string, log *slog.Logger) (*cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating SDS cache directory: %w", err)
	}
	c := &cache{
		dir:          dir,
		log:          log,
		transmission: make(map[string][]*TransmissionDetails),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func escapeSvcIA(svcIA string) string  { return strings.ReplaceAll(svcIA, ":", "=") }
func unescapeSvcIA(name string) string { return strings.ReplaceAll(name, "=", ":") }

func (c *cache) load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading SDS cache directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		svcIA := unescapeSvcIA(e.Name())
		files, err := os.ReadDir(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading SDS cache for %s: %w", svcIA, err)
		}
		var tx []*TransmissionDetails
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(c.dir, e.Name(), f.Name()))
			if err != nil {
				return fmt.Errorf("reading cached transmission detail: %w", err)
			}
			d := &TransmissionDetails{}
			if err := json.Unmarshal(raw, d); err != nil {
				c.log.Warn("skipping unparseable SDS cache file",
					"file", f.Name(), "svcIA", svcIA, "error", err)
				continue
			}
			tx = append(tx, d)
		}
		c.transmission[svcIA] = tx
	}
	return nil
}

// get returns cached details matching the given parameters, or nil when
// nothing matches. Empty ods/asid/pk mean "any". An ASID filter subsumes the
// party key filter since the ASID is the more specific of the two.
func (c *cache) get(svcIA, ods, asid, pk string) []*TransmissionDetails {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*TransmissionDetails
	for _, d := range c.transmission[svcIA] {
		if d.SvcIA != svcIA {
			continue
		}
		if ods != "" && d.Org != ods {
			continue
		}
		if asid != "" {
			if slices.Contains(d.Asid, asid) {
				out = append(out, d)
			}
			continue
		}
		if pk == "" || d.PartyKey == pk {
			out = append(out, d)
		}
	}
	return out
}

// put records one transmission detail in memory and writes it through to
// disk. An existing entry for the same ASID set is replaced, otherwise the
// detail is appended.
func (c *cache) put(d *TransmissionDetails) error {
	c.mu.Lock()
	l := c.transmission[d.SvcIA]
	replaced := false
	for i, s := range l {
		if slices.Equal(s.Asid, d.Asid) {
			l[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		l = append(l, d)
	}
	c.transmission[d.SvcIA] = l
	c.mu.Unlock()

	svcDir := filepath.Join(c.dir, escapeSvcIA(d.SvcIA))
	if err := os.MkdirAll(svcDir, 0o755); err != nil {
		return fmt.Errorf("creating SDS cache entry for %s: %w", d.SvcIA, err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("serialising transmission detail: %w", err)
	}
	if err := os.WriteFile(filepath.Join(svcDir, d.PartyKey), raw, 0o644); err != nil {
		return fmt.Errorf("writing SDS cache file: %w", err)
	}
	return nil
}
