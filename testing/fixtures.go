// Package testing provides fixtures shared by the tests of the container
// packages.
package testing

import (
	"bytes"
	"crypto/rand"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/flatpack/gzip"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do " +
	"eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim " +
	"veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea " +
	"commodo consequat.\n"

// TextCorpus returns `size` bytes of repeated ASCII text.
func TextCorpus(size int) []byte {
	repeated := bytes.Repeat([]byte(loremIpsum), size/len(loremIpsum)+1)
	return repeated[:size]
}

// RandomData returns `size` random bytes. It is guaranteed to either return a
// valid slice or fail the test and abort.
func RandomData(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to generate %d random bytes", size)
	return data
}

// LoadGzipFixture takes a GZIP stream and returns a stream to access the
// uncompressed data.
//
//   - Writes to the stream do not affect `compressed`.
//   - While the stream can be written to, its size is fixed to `expectedSize`.
//     Attempting to write past the end of this buffer will trigger an error.
func LoadGzipFixture(t *testing.T, compressed []byte, expectedSize int) io.ReadWriteSeeker {
	require.Greater(t, len(compressed), 0, "compressed fixture is empty")

	data, err := gzip.DecompressToBytes(compressed)
	require.NoError(t, err)
	require.Equal(t, expectedSize, len(data), "uncompressed fixture is wrong size")
	return bytesextra.NewReadWriteSeeker(data)
}

// NewMemoryFile wraps a copy of `data` in a seekable stream of fixed size.
func NewMemoryFile(data []byte) io.ReadWriteSeeker {
	backing := make([]byte, len(data))
	copy(backing, data)
	return bytesextra.NewReadWriteSeeker(backing)
}

// FileTree maps slash-separated relative paths to file contents. Paths ending
// in "/" are directories.
type FileTree map[string]string

// WriteTree creates the files and directories in `tree` under `root`.
func WriteTree(t *testing.T, root string, tree FileTree) {
	for path, contents := range tree {
		fullPath := filepath.Join(root, filepath.FromSlash(path))
		if path[len(path)-1] == '/' {
			require.NoError(t, os.MkdirAll(fullPath, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, []byte(contents), 0o644))
	}
}

// ReadTree is the inverse of [WriteTree].
func ReadTree(t *testing.T, root string) FileTree {
	tree := FileTree{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		if entry.IsDir() {
			tree[relative+"/"] = ""
			return nil
		}

		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[relative] = string(contents)
		return nil
	})
	require.NoError(t, err)
	return tree
}
