package gamequery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echo = "\xff\xff\xff\xff\x01print\n"

func TestAssembler_SingleDatagram(t *testing.T) {
	var asm Assembler

	blob, ok := asm.Feed([]byte(echo + tableHeader + "  1 1 1 1001 Alpha^7 1 0 a 1 1\n\n"))
	require.True(t, ok)
	assert.False(t, asm.InProgress())

	resp, errs := ParseResponse(blob)
	assert.Empty(t, errs)
	require.Len(t, resp.Players, 1)
	assert.Equal(t, "Alpha", resp.Players[0].Name)
}

func TestAssembler_Fragmented(t *testing.T) {
	var asm Assembler

	first := echo + tableHeader + "  1 1 1 1001 Alpha^7 1 0 a 1 1\n  2 2 2 10"
	second := echo + "02 Bravo^7 2 0 b 1 1\n"
	third := echo + "  3 3 3 1003 Charlie^7 0 0 c 1 1\n\n"

	_, ok := asm.Feed([]byte(first + "\x00"))
	require.False(t, ok)
	assert.True(t, asm.InProgress())

	_, ok = asm.Feed([]byte(second))
	require.False(t, ok)

	blob, ok := asm.Feed([]byte(third))
	require.True(t, ok)
	assert.False(t, asm.InProgress())

	resp, errs := ParseResponse(blob)
	assert.Empty(t, errs)
	require.Len(t, resp.Players, 3)
	assert.Equal(t, int64(1002), resp.Players[1].GUID)
	assert.Equal(t, "Charlie", resp.Players[2].Name)
}

func TestAssembler_Reset(t *testing.T) {
	var asm Assembler

	_, ok := asm.Feed([]byte(echo + "map: mp_array\n"))
	require.False(t, ok)

	asm.Reset()
	assert.False(t, asm.InProgress())

	blob, ok := asm.Feed([]byte(echo + tableHeader + "\n\n"))
	require.True(t, ok)

	resp, _ := ParseResponse(blob)
	assert.Equal(t, "mp_nuketown", resp.Map)
}

func TestAssembler_SentinelSplitAcrossDatagrams(t *testing.T) {
	var asm Assembler

	_, ok := asm.Feed([]byte(echo + tableHeader + "  1 1 1 1001 Alpha^7 1 0 a 1 1\n"))
	require.False(t, ok)

	blob, ok := asm.Feed([]byte(echo + "\n"))
	require.True(t, ok)
	assert.False(t, asm.InProgress())

	resp, errs := ParseResponse(blob)
	assert.Empty(t, errs)
	require.Len(t, resp.Players, 1)
	assert.Equal(t, int64(1001), resp.Players[0].GUID)

	second := "map: mp_crash\n" + tableHeader[strings.Index(tableHeader, "\n")+1:] +
		"  2 2 2 2002 Bravo^7 2 0 b 1 1\n\n"

	blob, ok = asm.Feed([]byte(echo + second))
	require.True(t, ok)

	resp, errs = ParseResponse(blob)
	assert.Empty(t, errs)
	assert.Equal(t, "mp_crash", resp.Map)
	require.Len(t, resp.Players, 1)
	assert.Equal(t, int64(2002), resp.Players[0].GUID)
}

func TestAssembler_KeepsBytesAfterSentinel(t *testing.T) {
	var asm Assembler

	first := echo + tableHeader + "  1 1 1 1001 Alpha^7 1 0 a 1 1\n\n\nmap: mp_crash\n"

	blob, ok := asm.Feed([]byte(first))
	require.True(t, ok)
	assert.True(t, asm.InProgress())

	resp, _ := ParseResponse(blob)
	assert.Equal(t, "mp_nuketown", resp.Map)

	blob, ok = asm.Feed([]byte(echo + tableHeader[strings.Index(tableHeader, "\n")+1:] + "  2 2 2 2002 Bravo^7 2 0 b 1 1\n\n"))
	require.True(t, ok)

	resp, errs := ParseResponse(blob)
	assert.Empty(t, errs)
	assert.Equal(t, "mp_crash", resp.Map)
	require.Len(t, resp.Players, 1)
	assert.Equal(t, "Bravo", resp.Players[0].Name)
}

func TestAssembler_DropsOversizedResponse(t *testing.T) {
	var asm Assembler

	line := strings.Repeat("x", 1024) + "\n"

	// Just enough lines to pass the limit once.
	for i := 0; i <= maxPending/len(line); i++ {
		_, ok := asm.Feed([]byte(echo + line))
		require.False(t, ok)
	}

	assert.False(t, asm.InProgress())

	blob, ok := asm.Feed([]byte(echo + tableHeader + "\n"))
	require.True(t, ok)

	resp, errs := ParseResponse(blob)
	assert.Empty(t, errs)
	assert.Equal(t, "mp_nuketown", resp.Map)
}
