package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleMembers = []flatpack.MemberInfo{
	{
		Index:            0,
		Name:             "first.txt",
		ModTime:          time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		CompressedSize:   10,
		DecompressedSize: 25,
		TotalSize:        38,
		Mode:             flatpack.S_IFREG | 0o644,
		CRC32:            0xdeadbeef,
	},
	{
		Index:       1,
		Name:        "second.txt",
		StartOffset: 38,
		Mode:        flatpack.S_IFREG | 0o600,
	},
}

func TestPrintMembersCSV(t *testing.T) {
	var output bytes.Buffer
	require.NoError(t, printMembers(&output, sampleMembers, true))

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "index,name,comment,mod_time,start_offset"), lines[0])
	assert.Contains(t, lines[1], "first.txt")
	assert.Contains(t, lines[1], "3735928559")
	assert.True(t, strings.HasPrefix(lines[2], "1,second.txt,"), lines[2])
}

func TestPrintMembersTable(t *testing.T) {
	var output bytes.Buffer
	require.NoError(t, printMembers(&output, sampleMembers, false))

	text := output.String()
	assert.Contains(t, text, "NAME")
	assert.Contains(t, text, "first.txt")
	assert.Contains(t, text, "-rw-------")
	assert.Contains(t, text, "2023-11-14 22:13:20")
}
