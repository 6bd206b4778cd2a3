package flatpack_test

import (
	"os"
	"testing"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberSelectorFind(t *testing.T) {
	members := []flatpack.MemberInfo{
		{Name: "a.txt"},
		{Name: "b.txt"},
		{Name: "a.txt"},
	}

	index, err := flatpack.ByName("a.txt").Find(members)
	require.NoError(t, err)
	assert.Equal(t, 0, index, "first match must win")

	index, err = flatpack.ByIndex(2).Find(members)
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	_, err = flatpack.ByIndex(3).Find(members)
	assert.ErrorIs(t, err, flatpack.ErrNotFound)

	_, err = flatpack.ByName("c.txt").Find(members)
	assert.ErrorIs(t, err, flatpack.ErrNotFound)
}

func TestModeConversionRoundTrip(t *testing.T) {
	modes := []os.FileMode{
		0o644,
		0o755 | os.ModeDir,
		0o777 | os.ModeSymlink,
		0o755 | os.ModeSetuid,
	}
	for _, mode := range modes {
		posix := flatpack.FileModeToPosix(mode)
		assert.Equal(t, mode, flatpack.PosixModeToFileMode(posix), "mode %v", mode)
	}

	assert.EqualValues(t, 0o100644, flatpack.FileModeToPosix(0o644))
	assert.EqualValues(t, 0o40755, flatpack.FileModeToPosix(0o755|os.ModeDir))
}

func TestMemberInfoIsDir(t *testing.T) {
	info := flatpack.MemberInfo{Mode: flatpack.S_IFDIR | 0o755, StartOffset: 512, TotalSize: 512}
	assert.True(t, info.IsDir())
	assert.EqualValues(t, 1024, info.EndOffset())
	assert.True(t, info.FileMode().IsDir())
}
