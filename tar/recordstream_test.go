package tar

import (
	"bytes"
	"testing"

	"github.com/dargueta/flatpack"
	fptesting "github.com/dargueta/flatpack/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsForSize(t *testing.T) {
	assert.EqualValues(t, 0, RecordsForSize(0))
	assert.EqualValues(t, 1, RecordsForSize(1))
	assert.EqualValues(t, 1, RecordsForSize(RecordSize))
	assert.EqualValues(t, 2, RecordsForSize(RecordSize+1))
}

func TestRecordStreamReadWrite(t *testing.T) {
	stream, err := NewRecordStream(fptesting.NewMemoryFile(make([]byte, 3*RecordSize+100)))
	require.NoError(t, err)
	assert.EqualValues(t, 3, stream.TotalRecords, "partial record must be ignored")

	data := bytes.Repeat([]byte{'x'}, RecordSize)
	require.NoError(t, stream.Write(1, data))

	read, err := stream.Read(1, 1)
	require.NoError(t, err)
	assert.Equal(t, data, read)

	_, err = stream.Read(2, 2)
	assert.ErrorIs(t, err, flatpack.ErrCorruptData)

	_, err = stream.Read(3, 1)
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)

	err = stream.Write(0, make([]byte, 100))
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}

func TestRecordStreamWriteFromPads(t *testing.T) {
	backing := bytes.Repeat([]byte{0xaa}, 3*RecordSize)
	stream, err := NewRecordStream(fptesting.NewMemoryFile(backing))
	require.NoError(t, err)

	contents := fptesting.TextCorpus(700)
	next, err := stream.WriteFrom(0, bytes.NewReader(contents), int64(len(contents)), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next)

	written, err := stream.Read(0, 2)
	require.NoError(t, err)
	assert.Equal(t, contents, written[:700])
	assert.Equal(t, make([]byte, 2*RecordSize-700), written[700:])

	_, err = stream.WriteFrom(0, bytes.NewReader(contents[:10]), 20, nil)
	assert.ErrorIs(t, err, flatpack.ErrIOFailed)
}

func TestRecordStreamMove(t *testing.T) {
	var backing []byte
	for _, b := range []byte("ABCD") {
		backing = append(backing, bytes.Repeat([]byte{b}, RecordSize)...)
	}
	stream, err := NewRecordStream(fptesting.NewMemoryFile(backing))
	require.NoError(t, err)

	require.NoError(t, stream.Move(2, 0, 2, nil))
	moved, err := stream.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, byte('C'), moved[0])
	assert.Equal(t, byte('D'), moved[RecordSize])
	assert.Equal(t, byte('C'), moved[2*RecordSize])

	err = stream.Move(0, 1, 1, nil)
	assert.ErrorIs(t, err, flatpack.ErrInvalidArgument)
}
