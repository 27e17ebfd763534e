package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCatalog(t *testing.T) {
	input := strings.NewReader(strings.Join([]string{
		"# comment lines and blanks are ignored",
		"",
		"ConnectionServer local /opt/swg/bin/ConnectionServer",
		"CentralServer_galaxy1 any /opt/swg/bin/CentralServer -galaxy galaxy1",
	}, "\n"))

	c, err := Parse(input)
	require.NoError(t, err)

	conn, ok := c.Lookup("ConnectionServer")
	require.True(t, ok)
	assert.Equal(t, "local", conn.TargetHost)
	assert.Equal(t, 1.0, conn.LoadCost)

	central, ok := c.Lookup("CentralServer_galaxy1")
	require.True(t, ok)
	assert.Equal(t, []string{"-galaxy", "galaxy1"}, central.DefaultOptions)
	assert.Equal(t, 15*time.Second, central.RestartDelay)

	assert.Len(t, c.Templates(), 2)
}

func TestParseCatalogSkipsShortLines(t *testing.T) {
	c, err := Parse(strings.NewReader(strings.Join([]string{
		"ConnectionServer local",
		"LogServer local /opt/swg/bin/LogServer",
	}, "\n")))
	require.NoError(t, err)

	_, ok := c.Lookup("ConnectionServer")
	assert.False(t, ok, "a malformed entry is skipped, not loaded")
	_, ok = c.Lookup("LogServer")
	assert.True(t, ok, "entries after a malformed one still load")
}

func TestRestartClassSubstringMatch(t *testing.T) {
	delay, ok := RestartClass("LogServer_node3")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)

	_, ok = RestartClass("SwgGameServer")
	assert.False(t, ok)
}

func TestLoadCostSubstringMatch(t *testing.T) {
	assert.Equal(t, 2.5, LoadCost("PlanetServer_tatooine"))
	assert.Equal(t, 0.0, LoadCost("UnknownProcess"))
}

func TestParseOptionsHonorsQuotes(t *testing.T) {
	opts, err := ParseOptions(`-galaxy galaxy1 -name "Bria Prime"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-galaxy", "galaxy1", "-name", "Bria Prime"}, opts)
}

func TestParseOptionsRejectsUnterminatedQuote(t *testing.T) {
	_, err := ParseOptions(`-name "unterminated`)
	assert.Error(t, err)
}
