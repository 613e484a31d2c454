package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ToolServer is one entry of the base tool-server catalogue.
type ToolServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Write   bool              `json:"write,omitempty"` // write-capable; filtered in dry-run
}

// Catalogue is the full tool-server catalogue loaded from MCP_CONFIG_PATH.
type Catalogue struct {
	Servers map[string]ToolServer `json:"mcpServers"`
}

// LoadCatalogue reads the base catalogue. A missing path yields an empty
// catalogue, not an error: agents without tools still run.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return &Catalogue{Servers: map[string]ToolServer{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tool catalogue: %w", err)
	}
	var c Catalogue
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse tool catalogue %s: %w", path, err)
	}
	if c.Servers == nil {
		c.Servers = map[string]ToolServer{}
	}
	return &c, nil
}

// Has reports whether the catalogue knows the tool server.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.Servers[name]
	return ok
}

// ConfigCache materialises per-worker tool configs as files, cached by the
// sorted tool list plus the dry-run flag so the same combination reuses the
// same file. Process-global and read-mostly.
type ConfigCache struct {
	mu        sync.Mutex
	catalogue *Catalogue
	dir       string
	files     map[string]string // cache key -> file path
}

func NewConfigCache(catalogue *Catalogue, dir string) *ConfigCache {
	if dir == "" {
		dir = os.TempDir()
	}
	return &ConfigCache{
		catalogue: catalogue,
		dir:       dir,
		files:     map[string]string{},
	}
}

// EffectiveTools returns the tool list a worker may actually use: in
// dry-run mode write-capable tools are removed.
func (c *ConfigCache) EffectiveTools(tools []string, dryRun bool) []string {
	if !dryRun {
		return tools
	}
	kept := make([]string, 0, len(tools))
	for _, t := range tools {
		if srv, ok := c.catalogue.Servers[t]; ok && srv.Write {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// PathFor returns the config file for the tool combination, writing it on
// first use.
func (c *ConfigCache) PathFor(tools []string, dryRun bool) (string, error) {
	effective := c.EffectiveTools(tools, dryRun)
	key := cacheKey(effective, dryRun)

	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.files[key]; ok {
		return path, nil
	}

	cfg := Catalogue{Servers: map[string]ToolServer{}}
	for _, t := range effective {
		if srv, ok := c.catalogue.Servers[t]; ok {
			cfg.Servers[t] = srv
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode worker config: %w", err)
	}
	path := filepath.Join(c.dir, "mcp-"+key+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write worker config: %w", err)
	}
	c.files[key] = path
	return path, nil
}

func cacheKey(tools []string, dryRun bool) string {
	sorted := append([]string(nil), tools...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "_")
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '-'
	}, key)
	if dryRun {
		key += "_dryrun"
	}
	if key == "" || key == "_dryrun" {
		key = "empty" + key
	}
	return key
}
