package roster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uidA = "kX8mJ2vGHbq0YvL1qK6uP9sRt3E="

func TestParse(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	idx, err := Parse(log, strings.NewReader(`
# regulars
50386892=` + uidA + `
! retired
12345678 = other+uid/with=padding==
`))
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Len())

	guid, ok := idx.GUID(uidA)
	require.True(t, ok)
	assert.Equal(t, int64(50386892), guid)

	guid, ok = idx.GUID("other+uid/with=padding==")
	require.True(t, ok)
	assert.Equal(t, int64(12345678), guid)

	identity, ok := idx.Identity(12345678)
	require.True(t, ok)
	assert.Equal(t, "other+uid/with=padding==", identity)

	_, ok = idx.GUID("unknown")
	assert.False(t, ok)
}

func TestParse_Separators(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		guid     int64
		identity string
	}{
		{name: "equals", line: "111=" + uidA, guid: 111, identity: uidA},
		{name: "colon", line: "222:" + uidA, guid: 222, identity: uidA},
		{name: "space", line: "333 " + uidA, guid: 333, identity: uidA},
		{name: "tab", line: "444\t" + uidA, guid: 444, identity: uidA},
		{name: "spaced colon", line: "555  :  " + uidA, guid: 555, identity: uidA},
		{name: "padding kept", line: "666 abc==", guid: 666, identity: "abc=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := logtest.NewNullLogger()

			idx, err := Parse(log, strings.NewReader(tt.line))
			require.NoError(t, err)

			guid, ok := idx.GUID(tt.identity)
			require.True(t, ok)
			assert.Equal(t, tt.guid, guid)
		})
	}
}

func TestParse_LastWriteWins(t *testing.T) {
	log, hook := logtest.NewNullLogger()

	idx, err := Parse(log, strings.NewReader(`
1=alpha
2=bravo
1=charlie
3=bravo
`))
	require.NoError(t, err)

	_, ok := idx.GUID("alpha")
	assert.False(t, ok, "alpha lost GUID 1 to charlie")

	guid, ok := idx.GUID("charlie")
	require.True(t, ok)
	assert.Equal(t, int64(1), guid)

	guid, ok = idx.GUID("bravo")
	require.True(t, ok)
	assert.Equal(t, int64(3), guid)

	_, ok = idx.Identity(2)
	assert.False(t, ok, "GUID 2 lost bravo to GUID 3")

	assert.Equal(t, 2, idx.Len())
	assert.Len(t, hook.AllEntries(), 2)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "non numeric guid", input: "abc=" + uidA},
		{name: "missing separator", input: "12345"},
		{name: "missing identity", input: "12345="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := logtest.NewNullLogger()

			_, err := Parse(log, strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestStore_Reload(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "users.properties")

	require.NoError(t, os.WriteFile(path, []byte("1=alpha\n"), 0o600))

	s, err := NewStore(log, path)
	require.NoError(t, err)

	_, ok := s.GUID("alpha")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("2=bravo\n"), 0o600))
	require.NoError(t, s.Reload())

	_, ok = s.GUID("alpha")
	assert.False(t, ok)

	guid, ok := s.GUID("bravo")
	require.True(t, ok)
	assert.Equal(t, int64(2), guid)

	require.NoError(t, os.WriteFile(path, []byte("broken\n"), 0o600))
	require.Error(t, s.Reload())

	_, ok = s.GUID("bravo")
	assert.True(t, ok, "failed reload keeps the previous roster")
}

func TestNewStore_MissingFile(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	_, err := NewStore(log, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
