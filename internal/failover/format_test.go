package failover

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SkipsMalformedLines(t *testing.T) {
	input := `# primary first
a.example.com:7080/7443

not-a-server
b.example.com:7080
c.example.com:x/7443
d.example.com:7080/70000
e.example.com:7081/7444
`
	l, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, 2, l.Len())
	servers := l.Servers()
	assert.Equal(t, ServerEntry{ServerID: UnknownServerID, Address: "a.example.com", Port: 7080, SecurePort: 7443}, servers[0])
	assert.Equal(t, "e.example.com", servers[1].Address)
	assert.Equal(t, 7444, servers[1].SecurePort)
}

func TestParseLine_IPv6(t *testing.T) {
	e, err := ParseLine("[::1]:7080/7443")
	require.NoError(t, err)

	assert.Equal(t, "::1", e.Address)
	assert.Equal(t, "[::1]:7080", e.Endpoint())
	assert.Equal(t, "[::1]:7443", e.SecureEndpoint())
}

func TestSerialize_RoundTripsThroughParse(t *testing.T) {
	l := NewList(entries()...)

	parsed, err := Parse(strings.NewReader(l.String()))
	require.NoError(t, err)

	assert.True(t, l.Equal(parsed))
	assert.Equal(t, "a.example.com:7080/7443\nb.example.com:7080/7443\nc.example.com:7080/7443\n", l.String())
}

func TestParseLines(t *testing.T) {
	l, err := ParseLines([]string{"a:1/2", "garbage", "b:3/4"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a:1/2", "b:3/4"}, l.Lines())
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "failover.list"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "failover.list")
	l := NewList(entries()...)

	require.NoError(t, Save(path, l))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.True(t, l.Equal(loaded))
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".failover.list.*"))
	assert.Empty(t, matches)
}
