package gzip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/flatpack"
	"github.com/dargueta/flatpack/deflate"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// shiftBufferSize is how much data DeleteMember moves at a time.
const shiftBufferSize = 64 * 1024

// Archive is a GZIP file treated as a sequence of independent members.
type Archive struct {
	path        string
	log         logrus.FieldLogger
	codecConfig []deflate.Option
}

var _ flatpack.Archive = (*Archive)(nil)

// OpenArchive returns an Archive for the GZIP file at `path`. The file doesn't
// need to exist until members are listed or added. `opts` are passed to the
// compressor and decompressor.
func OpenArchive(path string, logger logrus.FieldLogger, opts ...deflate.Option) *Archive {
	if logger == nil {
		logger = deflate.DiscardLogger
	}
	logger = logger.WithField("archive", path)
	return &Archive{
		path:        path,
		log:         logger,
		codecConfig: append([]deflate.Option{deflate.WithLogger(logger)}, opts...),
	}
}

func (a *Archive) options(progress *flatpack.Progress) []deflate.Option {
	opts := make([]deflate.Option, 0, len(a.codecConfig)+1)
	opts = append(opts, a.codecConfig...)
	return append(opts, deflate.WithProgress(progress))
}

// ListMembers implements [flatpack.ListingArchive].
func (a *Archive) ListMembers() ([]flatpack.MemberInfo, error) {
	file, err := os.Open(a.path)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}
	defer file.Close()
	return ScanMembers(file, a.codecConfig...)
}

// AddMember compresses the file at `sourcePath` and appends it to the archive
// as a new member named after the file. The archive is created if it doesn't
// exist. Directories can't be added.
//
// On failure the archive is restored to its previous length, or removed if
// this call created it.
func (a *Archive) AddMember(sourcePath string, progress *flatpack.Progress) (err error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	if stat.IsDir() {
		return flatpack.ErrNotSupported.WithMessage(
			fmt.Sprintf("can't add directory %q to a GZIP archive", sourcePath))
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer source.Close()

	_, statErr := os.Stat(a.path)
	created := errors.Is(statErr, os.ErrNotExist)
	archive, err := os.OpenFile(a.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	originalSize, err := archive.Seek(0, io.SeekEnd)
	if err != nil {
		archive.Close()
		return flatpack.ErrIOFailed.Wrap(err)
	}

	defer func() {
		closeErr := archive.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil {
			err = flatpack.WithCleanupError(err, a.rollBack(created, originalSize))
		}
	}()

	hdr := Header{
		Name:    filepath.Base(sourcePath),
		ModTime: stat.ModTime(),
		OS:      OSUnknown,
	}
	progress.Start(stat.Size(), "compressing "+hdr.Name)

	output := bufio.NewWriter(archive)
	info, err := WriteMember(output, source, hdr, a.options(progress)...)
	if err != nil {
		return err
	}
	if err = output.Flush(); err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	a.log.WithFields(
		logrus.Fields{
			"member":            info.Name,
			"offset":            originalSize,
			"compressed_size":   info.CompressedSize,
			"decompressed_size": info.DecompressedSize,
		}).Info("added member")
	progress.Finish("added " + hdr.Name)
	return nil
}

// rollBack undoes a failed AddMember.
func (a *Archive) rollBack(created bool, originalSize int64) error {
	if created {
		a.log.Debug("removing archive created by failed add")
		err := os.Remove(a.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	a.log.WithField("size", originalSize).Debug("truncating archive after failed add")
	return os.Truncate(a.path, originalSize)
}

func (a *Archive) findMember(selector flatpack.MemberSelector) (flatpack.MemberInfo, error) {
	members, err := a.ListMembers()
	if err != nil {
		return flatpack.MemberInfo{}, err
	}
	index, err := selector.Find(members)
	if err != nil {
		return flatpack.MemberInfo{}, err
	}
	return members[index], nil
}

// ExtractMember decompresses the selected member to `destPath`, replacing any
// existing file.
//
// If decompression fails, the output file is removed. If the data decompresses
// but doesn't match the member's checksum, the output is kept and an error
// wrapping [flatpack.ErrChecksumMismatch] is returned.
func (a *Archive) ExtractMember(
	selector flatpack.MemberSelector, destPath string, progress *flatpack.Progress,
) error {
	member, err := a.findMember(selector)
	if err != nil {
		return err
	}

	archive, err := os.Open(a.path)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer archive.Close()

	return a.extractTo(archive, member, destPath, progress)
}

func (a *Archive) extractTo(
	archive io.ReadSeeker,
	member flatpack.MemberInfo,
	destPath string,
	progress *flatpack.Progress,
) (err error) {
	if _, err = archive.Seek(member.StartOffset, io.SeekStart); err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	output, err := os.Create(destPath)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	keepOutput := false
	defer func() {
		closeErr := output.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil && !keepOutput {
			err = flatpack.WithCleanupError(err, os.Remove(destPath))
		}
	}()

	progress.Start(member.TotalSize, "extracting "+member.Name)
	writer := bufio.NewWriter(output)
	_, err = ReadMember(archive, writer, a.options(progress)...)

	if err != nil && !errors.Is(err, flatpack.ErrChecksumMismatch) {
		return err
	}
	if flushErr := writer.Flush(); flushErr != nil {
		return flatpack.ErrIOFailed.Wrap(flushErr)
	}

	if err != nil {
		keepOutput = true
		a.log.WithField("member", member.Name).Warn(err.Error())
		return err
	}

	if !member.ModTime.IsZero() {
		if chtimesErr := os.Chtimes(destPath, member.ModTime, member.ModTime); chtimesErr != nil {
			a.log.WithError(chtimesErr).Warn("couldn't set modification time")
		}
	}
	progress.Finish("extracted " + member.Name)
	return nil
}

// ExtractAll extracts every member into `destDir`. Members are named after the
// name in their header; members without one are named after the archive. If
// several members end up with the same name, the later ones get a numeric
// suffix (".1", ".2", ...) instead of overwriting the first.
// Checksum mismatches don't stop extraction and are returned together at the
// end.
func (a *Archive) ExtractAll(destDir string, progress *flatpack.Progress) error {
	members, err := a.ListMembers()
	if err != nil {
		return err
	}

	archive, err := os.Open(a.path)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer archive.Close()

	var mismatches error
	used := make(map[string]bool, len(members))
	for _, member := range members {
		destPath := filepath.Join(destDir, uniqueName(a.memberFileName(member), used))
		err = a.extractTo(archive, member, destPath, progress)
		if errors.Is(err, flatpack.ErrChecksumMismatch) {
			mismatches = multierror.Append(mismatches, err)
		} else if err != nil {
			return flatpack.WithCleanupError(err, mismatches)
		}
	}
	return mismatches
}

// memberFileName picks a safe file name to extract a member to. Directory
// components in the stored name are ignored.
func (a *Archive) memberFileName(member flatpack.MemberInfo) string {
	name := filepath.Base(filepath.FromSlash(member.Name))
	if member.Name != "" && name != "." && name != ".." && name != string(filepath.Separator) {
		return name
	}

	base := strings.TrimSuffix(filepath.Base(a.path), filepath.Ext(a.path))
	if member.Index == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, member.Index)
}

// uniqueName returns `name`, or `name` with the first numeric suffix not in
// `used` if it's taken. The result is added to `used`.
func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s.%d", name, i)
	}
	used[candidate] = true
	return candidate
}

// DeleteMember removes the selected member, moving the members after it down
// to fill the gap.
func (a *Archive) DeleteMember(selector flatpack.MemberSelector, progress *flatpack.Progress) error {
	member, err := a.findMember(selector)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(a.path, os.O_RDWR, 0)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer file.Close()

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	progress.Start(size-member.EndOffset(), "deleting "+member.Name)
	err = shiftDown(file, member.EndOffset(), member.StartOffset, size, progress)
	if err != nil {
		return err
	}
	if err = file.Truncate(size - member.TotalSize); err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	a.log.WithFields(
		logrus.Fields{
			"member": member.Name,
			"index":  member.Index,
			"size":   member.TotalSize,
		}).Info("deleted member")
	progress.Finish("deleted " + member.Name)
	return nil
}

// shiftDown moves the bytes in [from, end) to start at `to`, which must be
// less than `from`.
func shiftDown(file io.ReadWriteSeeker, from, to, end int64, progress *flatpack.Progress) error {
	buffer := make([]byte, shiftBufferSize)
	for from < end {
		chunk := buffer
		if remaining := end - from; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		if _, err := file.Seek(from, io.SeekStart); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		if _, err := io.ReadFull(file, chunk); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		if _, err := file.Seek(to, io.SeekStart); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		if _, err := file.Write(chunk); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}

		from += int64(len(chunk))
		to += int64(len(chunk))
		progress.Advance(int64(len(chunk)))
	}
	return nil
}
