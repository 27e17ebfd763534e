// Package catalog loads a node's process catalog: the list of
// processes this node is allowed to spawn, from its line-oriented
// catalog file format, plus the restart-class and load-cost tables
// every node computes once at startup.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/types"
)

// Catalog is the set of ProcessTemplate entries a node loaded from its
// catalog file, keyed by process name.
type Catalog struct {
	templates map[string]types.ProcessTemplate
	order     []string
}

// Load reads a catalog file at path. Each non-blank, non-comment line
// is whitespace-delimited: processName targetHost executable
// [options...]. Lines beginning with '#' are comments.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads catalog entries from r, in the same format as Load.
func Parse(r io.Reader) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]types.ProcessTemplate)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			catalogLogger := log.WithComponent("catalog")
			catalogLogger.Warn().
				Int("line", lineNo).
				Str("entry", line).
				Msg("skipping catalog entry, need at least processName targetHost executable")
			continue
		}
		name := fields[0]
		tmpl := types.ProcessTemplate{
			Name:           name,
			TargetHost:     fields[1],
			Executable:     fields[2],
			DefaultOptions: append([]string(nil), fields[3:]...),
			Runtime:        types.RuntimeExec,
			LoadCost:       LoadCost(name),
		}
		if delay, ok := RestartClass(name); ok {
			tmpl.RestartDelay = delay
		}
		if _, exists := c.templates[name]; !exists {
			c.order = append(c.order, name)
		}
		c.templates[name] = tmpl
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: scan: %w", err)
	}
	return c, nil
}

// Lookup returns the template for processName, if the catalog defines
// one.
func (c *Catalog) Lookup(processName string) (types.ProcessTemplate, bool) {
	t, ok := c.templates[processName]
	return t, ok
}

// Templates returns every loaded template in file order.
func (c *Catalog) Templates() []types.ProcessTemplate {
	out := make([]types.ProcessTemplate, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.templates[name])
	}
	return out
}

// SetRuntime overrides the Runtime field of an already-loaded template,
// for deployments that route a named process through the containerd
// ProcessHost instead of the default exec one.
func (c *Catalog) SetRuntime(processName string, kind types.RuntimeKind) error {
	t, ok := c.templates[processName]
	if !ok {
		return fmt.Errorf("catalog: unknown process %q", processName)
	}
	t.Runtime = kind
	c.templates[processName] = t
	return nil
}

// restartDelaySeconds mirrors the per-process-family auto-restart
// delays a production cluster configures once, keyed by a substring of
// the process name rather than an exact match, since a process's name
// on the wire is its executable basename plus site-specific suffixes
// (e.g. "CentralServer_galaxy1").
var restartDelaySeconds = map[string]int{
	"CentralServer":     15,
	"LogServer":         5,
	"MetricsServer":     5,
	"CommoditiesServer": 10,
	"CommodityServer":   10,
	"TransferServer":    10,
}

// loadCost mirrors the per-process-family load weight a node's
// maximum-load budget is measured against, keyed the same way as
// restartDelaySeconds.
var loadCost = map[string]float64{
	"ConnectionServer": 1.0,
	"PlanetServer":     2.5,
	"SwgGameServer":    2.5,
}

// RestartClass reports whether processes named like name are
// auto-restarted on crash, and if so after what delay. The match is a
// substring match against name, first match wins in map iteration
// order being irrelevant since the example families above don't
// overlap.
func RestartClass(name string) (time.Duration, bool) {
	for family, seconds := range restartDelaySeconds {
		if strings.Contains(name, family) {
			return time.Duration(seconds) * time.Second, true
		}
	}
	return 0, false
}

// LoadCost reports the scheduler load weight charged for spawning a
// process named like name. Processes with no matching family cost
// nothing extra beyond the scheduler's base per-process accounting.
func LoadCost(name string) float64 {
	for family, cost := range loadCost {
		if strings.Contains(name, family) {
			return cost
		}
	}
	return 0
}

// ParseOptions splits a catalog-style options string the way the
// command line itself is split, honoring double-quoted arguments that
// contain spaces.
func ParseOptions(raw string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case ch == ' ' && !inQuotes:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("catalog: unterminated quote in options %q", raw)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}
