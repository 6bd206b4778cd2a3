package tar

import (
	"fmt"
	"io"

	"github.com/dargueta/flatpack"
)

// RecordSize is the size of the fundamental unit of a TAR archive, in bytes.
// Headers occupy exactly one record, and member data is padded with nulls to a
// whole number of records.
const RecordSize = 512

// moveBatchRecords is how many records Move copies at a time.
const moveBatchRecords = 128

type RecordID int64

// RecordStream is an abstraction layer around a stream to make it look like a
// sequence of records, i.e. a file that can only be read from or written to in
// multiples of [RecordSize].
//
// The exposed fields are for informational purposes only and should never be
// changed.
type RecordStream struct {
	// TotalRecords is the number of whole records in the stream. A partial
	// record at the end of the stream is ignored.
	TotalRecords int64
	stream       io.ReadWriteSeeker
}

// NewRecordStream wraps `stream`, determining its size from where its end is.
func NewRecordStream(stream io.ReadWriteSeeker) (*RecordStream, error) {
	totalRecords, err := DetermineRecordCount(stream)
	if err != nil {
		return nil, err
	}
	return &RecordStream{
		TotalRecords: totalRecords,
		stream:       stream,
	}, nil
}

// DetermineRecordCount gives the total number of records in a stream, rounded
// down to the nearest record.
func DetermineRecordCount(stream io.Seeker) (int64, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, flatpack.ErrIOFailed.Wrap(err)
	}
	return offset / RecordSize, nil
}

// RecordsForSize gives the number of records needed to hold `size` bytes.
func RecordsForSize(size int64) int64 {
	return (size + RecordSize - 1) / RecordSize
}

// RecordIDToFileOffset converts a record ID into a byte offset into the
// backing stream. The ID one past the last record is valid, since that's where
// appended records go.
func (rs *RecordStream) RecordIDToFileOffset(recordID RecordID) (int64, error) {
	if recordID < 0 || int64(recordID) > rs.TotalRecords {
		return -1, flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid record ID %d: not in range [0, %d]",
				recordID,
				rs.TotalRecords))
	}
	return int64(recordID) * RecordSize, nil
}

// CheckIOBounds checks to see if `dataLength` bytes can be read from the
// stream, starting at recordID. If the bounds check fails, it returns an error
// indicating exactly what went wrong.
func (rs *RecordStream) CheckIOBounds(recordID RecordID, dataLength int64) error {
	if recordID < 0 || int64(recordID) >= rs.TotalRecords {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid record ID %d: not in range [0, %d)",
				recordID,
				rs.TotalRecords))
	}

	if dataLength%RecordSize != 0 {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data must be a multiple of the record size (%d B), got %d (remainder %d)",
				RecordSize,
				dataLength,
				dataLength%RecordSize))
	}

	dataSizeInRecords := dataLength / RecordSize
	if int64(recordID)+dataSizeInRecords > rs.TotalRecords {
		return flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf(
				"record %d plus %d records of data extends past end of archive",
				recordID,
				dataSizeInRecords))
	}
	return nil
}

// seekToRecord positions the stream pointer at the byte offset where the given
// record starts.
func (rs *RecordStream) seekToRecord(recordID RecordID) error {
	offset, err := rs.RecordIDToFileOffset(recordID)
	if err != nil {
		return err
	}
	_, err = rs.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Read reads `count` whole records starting from `recordID`.
func (rs *RecordStream) Read(recordID RecordID, count int64) ([]byte, error) {
	err := rs.CheckIOBounds(recordID, count*RecordSize)
	if err != nil {
		return nil, err
	}

	err = rs.seekToRecord(recordID)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, count*RecordSize)
	_, err = io.ReadFull(rs.stream, buffer)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}
	return buffer, nil
}

// Section returns a reader for `size` bytes of data starting at the beginning
// of `recordID`. The reader is only valid until the next operation on the
// stream.
func (rs *RecordStream) Section(recordID RecordID, size int64) (io.Reader, error) {
	err := rs.CheckIOBounds(recordID, RecordsForSize(size)*RecordSize)
	if size > 0 && err != nil {
		return nil, err
	}

	err = rs.seekToRecord(recordID)
	if err != nil {
		return nil, err
	}
	return io.LimitReader(rs.stream, size), nil
}

// Write writes data to the stream. `data` must be a multiple of the record
// size, and may extend the stream past its current end.
func (rs *RecordStream) Write(recordID RecordID, data []byte) error {
	if len(data)%RecordSize != 0 {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data must be a multiple of the record size (%d B), got %d",
				RecordSize,
				len(data)))
	}

	err := rs.seekToRecord(recordID)
	if err != nil {
		return err
	}

	_, err = rs.stream.Write(data)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	rs.grow(recordID, int64(len(data))/RecordSize)
	return nil
}

// WriteFrom copies exactly `size` bytes from `source` into the stream starting
// at `recordID`, padding the last record with nulls. It returns the ID of the
// record following the data.
func (rs *RecordStream) WriteFrom(
	recordID RecordID, source io.Reader, size int64, progress *flatpack.Progress,
) (RecordID, error) {
	err := rs.seekToRecord(recordID)
	if err != nil {
		return recordID, err
	}

	buffer := make([]byte, moveBatchRecords*RecordSize)
	remaining := size
	for remaining > 0 {
		chunk := buffer
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, readErr := io.ReadFull(source, chunk)
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return recordID, flatpack.ErrIOFailed.WithMessage(
				fmt.Sprintf("source ended %d bytes early", remaining-int64(n)))
		} else if readErr != nil {
			return recordID, flatpack.ErrIOFailed.Wrap(readErr)
		}

		_, err = rs.stream.Write(chunk)
		if err != nil {
			return recordID, flatpack.ErrIOFailed.Wrap(err)
		}
		remaining -= int64(n)
		progress.Advance(int64(n))
	}

	if padding := RecordsForSize(size)*RecordSize - size; padding > 0 {
		_, err = rs.stream.Write(make([]byte, padding))
		if err != nil {
			return recordID, flatpack.ErrIOFailed.Wrap(err)
		}
	}

	written := RecordsForSize(size)
	rs.grow(recordID, written)
	return recordID + RecordID(written), nil
}

// Move copies `count` records starting at `from` so that they start at `to`.
// `to` must not be greater than `from`.
func (rs *RecordStream) Move(from, to RecordID, count int64, progress *flatpack.Progress) error {
	if to > from {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't move records up (from %d to %d)", from, to))
	}

	for count > 0 {
		batch := count
		if batch > moveBatchRecords {
			batch = moveBatchRecords
		}

		data, err := rs.Read(from, batch)
		if err != nil {
			return err
		}
		err = rs.Write(to, data)
		if err != nil {
			return err
		}

		from += RecordID(batch)
		to += RecordID(batch)
		count -= batch
		progress.Advance(batch * RecordSize)
	}
	return nil
}

type truncater interface {
	Truncate(size int64) error
}

// Truncate cuts the stream off after `totalRecords` records. The underlying
// stream must have a Truncate method, like [os.File].
func (rs *RecordStream) Truncate(totalRecords int64) error {
	resizable, ok := rs.stream.(truncater)
	if !ok {
		return flatpack.ErrNotSupported.WithMessage("stream can't be truncated")
	}
	err := resizable.Truncate(totalRecords * RecordSize)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	rs.TotalRecords = totalRecords
	return nil
}

func (rs *RecordStream) grow(recordID RecordID, written int64) {
	if end := int64(recordID) + written; end > rs.TotalRecords {
		rs.TotalRecords = end
	}
}
