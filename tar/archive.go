package tar

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dargueta/flatpack"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// trailerRecords is the number of null records marking the end of an archive.
const trailerRecords = 2

// maxExtendedHeaderSize limits how much data GNU long name and PAX headers may
// carry.
const maxExtendedHeaderSize = 1 << 20

// Archive is a TAR file on disk.
type Archive struct {
	path string
	log  logrus.FieldLogger
}

var _ flatpack.Archive = (*Archive)(nil)

// OpenArchive returns an Archive for the TAR file at `path`. The file doesn't
// need to exist until members are listed or added.
func OpenArchive(path string, logger logrus.FieldLogger) *Archive {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Archive{
		path: path,
		log:  logger.WithField("archive", path),
	}
}

// entry is a member together with the header it was decoded from.
type entry struct {
	header Header
	info   flatpack.MemberInfo
}

func (e *entry) startRecord() RecordID {
	return RecordID(e.info.StartOffset / RecordSize)
}

func (e *entry) dataRecord() RecordID {
	return RecordID(e.info.DataOffset / RecordSize)
}

func (e *entry) endRecord() RecordID {
	return RecordID(e.info.EndOffset() / RecordSize)
}

func (e *entry) isDir() bool {
	return e.header.TypeFlag == TypeDir
}

// atRecord annotates an error with the offset of the record it came from.
func atRecord(err error, recordID RecordID) error {
	var fpErr flatpack.Error
	if errors.As(err, &fpErr) {
		return fpErr.WithMessage(
			fmt.Sprintf("header at offset %d", int64(recordID)*RecordSize))
	}
	return err
}

// scan reads every member header in the archive. It returns the members and
// the ID of the record where the trailer starts, which is where new members
// are written. A missing trailer is tolerated.
func scan(records *RecordStream) ([]entry, RecordID, error) {
	var entries []entry
	var pending Header
	hasPending := false
	recordID := RecordID(0)
	start := recordID

	for int64(recordID) < records.TotalRecords {
		record, err := records.Read(recordID, 1)
		if err != nil {
			return nil, recordID, err
		}
		if isZeroRecord(record) {
			break
		}

		hdr, err := DecodeHeader(record)
		if err != nil {
			return nil, recordID, atRecord(err, recordID)
		}
		if hdr.TypeFlag == TypeRegularLegacy && strings.HasSuffix(hdr.Name, "/") {
			hdr.TypeFlag = TypeDir
		}

		dataRecords := RecordsForSize(hdr.dataSize())
		next := recordID + 1 + RecordID(dataRecords)
		if int64(next) > records.TotalRecords {
			return nil, recordID, flatpack.ErrCorruptData.WithMessage(
				fmt.Sprintf(
					"member %q at offset %d is truncated",
					hdr.Name,
					int64(recordID)*RecordSize))
		}

		switch hdr.TypeFlag {
		case TypeGNULongName, TypeGNULongLink, TypePAXHeader:
			if hdr.Size > maxExtendedHeaderSize {
				return nil, recordID, atRecord(
					flatpack.ErrCorruptData.WithMessage(
						fmt.Sprintf("extended header is too big (%d B)", hdr.Size)),
					recordID)
			}
			data, err := records.Read(recordID+1, dataRecords)
			if err != nil {
				return nil, recordID, err
			}
			data = data[:hdr.Size]

			switch hdr.TypeFlag {
			case TypeGNULongName:
				pending.Name = cString(data)
			case TypeGNULongLink:
				pending.LinkName = cString(data)
			default:
				if err = parsePAXRecords(data, &pending); err != nil {
					return nil, recordID, atRecord(err, recordID)
				}
			}
			hasPending = true
			recordID = next
			continue

		case TypePAXGlobal:
			recordID = next
			if !hasPending {
				start = recordID
			}
			continue
		}

		if pending.Name != "" {
			hdr.Name = pending.Name
		}
		if pending.LinkName != "" {
			hdr.LinkName = pending.LinkName
		}
		pending = Header{}
		hasPending = false

		name := hdr.Name
		if hdr.TypeFlag == TypeDir {
			name = strings.TrimSuffix(name, "/")
		}
		entries = append(
			entries,
			entry{
				header: hdr,
				info: flatpack.MemberInfo{
					Index:            len(entries),
					Name:             name,
					ModTime:          hdr.ModTime,
					StartOffset:      int64(start) * RecordSize,
					DataOffset:       int64(recordID+1) * RecordSize,
					CompressedSize:   hdr.dataSize(),
					DecompressedSize: hdr.dataSize(),
					TotalSize:        int64(next-start) * RecordSize,
					Mode:             hdr.PosixMode(),
				},
			})
		recordID = next
		start = recordID
	}

	if hasPending {
		return nil, recordID, flatpack.ErrCorruptData.WithMessage(
			"archive ends with an extended header")
	}
	return entries, recordID, nil
}

func memberInfos(entries []entry) []flatpack.MemberInfo {
	infos := make([]flatpack.MemberInfo, len(entries))
	for i := range entries {
		infos[i] = entries[i].info
	}
	return infos
}

// openArchive is an archive file that has been opened and scanned.
type openArchive struct {
	file    *os.File
	records *RecordStream
	entries []entry
	// end is the ID of the first trailer record.
	end RecordID
}

func (a *Archive) open(flag int) (*openArchive, error) {
	file, err := os.OpenFile(a.path, flag, 0o644)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}

	records, err := NewRecordStream(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	entries, end, err := scan(records)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &openArchive{
		file:    file,
		records: records,
		entries: entries,
		end:     end,
	}, nil
}

func (archive *openArchive) find(selector flatpack.MemberSelector) (*entry, error) {
	index, err := selector.Find(memberInfos(archive.entries))
	if err != nil {
		return nil, err
	}
	return &archive.entries[index], nil
}

// ListMembers implements [flatpack.ListingArchive].
func (a *Archive) ListMembers() ([]flatpack.MemberInfo, error) {
	archive, err := a.open(os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer archive.file.Close()
	return memberInfos(archive.entries), nil
}

// writeTrailer writes the end-of-archive marker at `recordID` and cuts off
// anything after it.
func writeTrailer(records *RecordStream, recordID RecordID) error {
	err := records.Write(recordID, make([]byte, trailerRecords*RecordSize))
	if err != nil {
		return err
	}
	return records.Truncate(int64(recordID) + trailerRecords)
}

// sourceItem is a file system object queued to be added to the archive.
type sourceItem struct {
	path   string
	header Header
	record []byte
}

// headerFromFileInfo builds the header for a file system object. `name` is the
// slash-separated path to store it under.
func headerFromFileInfo(filePath, name string, info fs.FileInfo) (Header, error) {
	hdr := Header{
		Name:    name,
		Mode:    flatpack.FileModeToPosix(info.Mode()) & 0o7777,
		ModTime: info.ModTime(),
	}

	switch {
	case info.Mode().IsRegular():
		hdr.TypeFlag = TypeRegular
		hdr.Size = info.Size()
	case info.IsDir():
		hdr.TypeFlag = TypeDir
		hdr.Name += "/"
	case info.Mode()&os.ModeSymlink != 0:
		hdr.TypeFlag = TypeSymlink
		target, err := os.Readlink(filePath)
		if err != nil {
			return hdr, flatpack.ErrIOFailed.Wrap(err)
		}
		hdr.LinkName = filepath.ToSlash(target)
	default:
		return hdr, flatpack.ErrNotSupported.WithMessage(
			fmt.Sprintf("can't archive %q: unsupported file type %s", filePath, info.Mode().Type()))
	}
	return hdr, nil
}

// collect walks `sourcePath` and builds the headers for everything under it.
// Stored names are relative to the parent directory of `sourcePath`. It also
// returns the total number of bytes of file data to be stored.
func (a *Archive) collect(sourcePath string) ([]sourceItem, int64, error) {
	root, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, 0, flatpack.ErrInvalidArgument.Wrap(err)
	}
	parent := filepath.Dir(root)
	if parent == root {
		return nil, 0, flatpack.ErrInvalidArgument.WithMessage(
			"can't add the root of the file system")
	}

	archiveStat, _ := os.Stat(a.path)
	var items []sourceItem
	var totalSize int64

	err = filepath.WalkDir(root, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		info, err := d.Info()
		if err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		if archiveStat != nil && os.SameFile(info, archiveStat) {
			a.log.WithField("path", filePath).Warn("not adding the archive to itself")
			return nil
		}

		relative, err := filepath.Rel(parent, filePath)
		if err != nil {
			return flatpack.ErrInvalidArgument.Wrap(err)
		}
		hdr, err := headerFromFileInfo(filePath, filepath.ToSlash(relative), info)
		if err != nil {
			return err
		}
		record, err := hdr.Encode()
		if err != nil {
			return err
		}

		items = append(items, sourceItem{path: filePath, header: hdr, record: record})
		totalSize += hdr.dataSize()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, totalSize, nil
}

// AddMember appends the file or directory at `sourcePath` to the archive.
// Directories are added recursively. Member names are relative to the
// directory containing `sourcePath`, so adding "/home/user/docs" stores
// "docs/", "docs/a.txt", and so on. The archive is created if it doesn't
// exist.
//
// On failure the archive is restored to the state it was in before the call,
// or removed if this call created it.
func (a *Archive) AddMember(sourcePath string, progress *flatpack.Progress) (err error) {
	items, totalSize, err := a.collect(sourcePath)
	if err != nil {
		return err
	}

	_, statErr := os.Stat(a.path)
	created := errors.Is(statErr, os.ErrNotExist)

	archive, err := a.open(os.O_RDWR | os.O_CREATE)
	if err != nil {
		if created {
			err = flatpack.WithCleanupError(err, a.rollBack(true, 0, nil))
		}
		return err
	}

	tail, err := readTail(archive)
	if err != nil {
		archive.file.Close()
		return err
	}

	defer func() {
		closeErr := archive.file.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil {
			err = flatpack.WithCleanupError(err, a.rollBack(created, archive.end, tail))
		}
	}()

	progress.Start(totalSize, "adding "+filepath.Base(sourcePath))
	recordID := archive.end
	for _, item := range items {
		recordID, err = writeItem(archive.records, recordID, item, progress)
		if err != nil {
			return err
		}
		a.log.WithFields(
			logrus.Fields{
				"member": item.header.Name,
				"size":   item.header.Size,
			}).Debug("wrote member")
	}

	if err = writeTrailer(archive.records, recordID); err != nil {
		return err
	}

	a.log.WithFields(
		logrus.Fields{
			"source":  sourcePath,
			"members": len(items),
			"offset":  int64(archive.end) * RecordSize,
			"size":    totalSize,
		}).Info("added members")
	progress.Finish("added " + filepath.Base(sourcePath))
	return nil
}

// readTail returns everything from the start of the trailer to the end of the
// file, so that a failed add can put it back.
func readTail(archive *openArchive) ([]byte, error) {
	size, err := archive.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}

	tail := make([]byte, size-int64(archive.end)*RecordSize)
	_, err = archive.file.ReadAt(tail, int64(archive.end)*RecordSize)
	if err != nil {
		return nil, flatpack.ErrIOFailed.Wrap(err)
	}
	return tail, nil
}

// rollBack undoes a failed AddMember.
func (a *Archive) rollBack(created bool, end RecordID, tail []byte) error {
	if created {
		a.log.Debug("removing archive created by failed add")
		err := os.Remove(a.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	a.log.WithField("offset", int64(end)*RecordSize).Debug("restoring archive after failed add")
	file, err := os.OpenFile(a.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	if err = file.Truncate(int64(end) * RecordSize); err != nil {
		return err
	}
	_, err = file.WriteAt(tail, int64(end)*RecordSize)
	return err
}

func writeItem(
	records *RecordStream, recordID RecordID, item sourceItem, progress *flatpack.Progress,
) (RecordID, error) {
	err := records.Write(recordID, item.record)
	if err != nil {
		return recordID, err
	}
	recordID++

	if item.header.TypeFlag != TypeRegular {
		return recordID, nil
	}

	source, err := os.Open(item.path)
	if err != nil {
		return recordID, flatpack.ErrIOFailed.Wrap(err)
	}
	defer source.Close()
	return records.WriteFrom(recordID, source, item.header.Size, progress)
}

// securePath resolves a member name to a path under `destDir`. Absolute names
// and names with ".." components are rejected.
func securePath(destDir, name string) (string, error) {
	if name == "" {
		return "", flatpack.ErrInsecurePath.WithMessage("member has an empty name")
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", flatpack.ErrInsecurePath.WithMessage(
			fmt.Sprintf("%q is an absolute path", name))
	}
	for _, component := range strings.Split(filepath.ToSlash(name), "/") {
		if component == ".." {
			return "", flatpack.ErrInsecurePath.WithMessage(
				fmt.Sprintf("%q points outside the destination directory", name))
		}
	}
	return filepath.Join(destDir, filepath.FromSlash(name)), nil
}

// checkLinkTarget rejects symbolic links that point outside the extraction
// directory, since later members could be written through them.
func checkLinkTarget(name, target string) error {
	if path.IsAbs(target) || filepath.IsAbs(target) {
		return flatpack.ErrInsecurePath.WithMessage(
			fmt.Sprintf("link %q has absolute target %q", name, target))
	}
	resolved := path.Join(path.Dir(strings.TrimSuffix(name, "/")), target)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return flatpack.ErrInsecurePath.WithMessage(
			fmt.Sprintf("link %q points outside the destination directory", name))
	}
	return nil
}

type progressWriter struct {
	writer   io.Writer
	progress *flatpack.Progress
}

func (w *progressWriter) Write(data []byte) (int, error) {
	n, err := w.writer.Write(data)
	w.progress.Advance(int64(n))
	return n, err
}

// extract writes one member to its path under `destDir`. Directories are only
// created; [Archive.finishDirectory] sets their attributes.
func (a *Archive) extract(
	records *RecordStream, member *entry, destDir string, progress *flatpack.Progress,
) error {
	target, err := securePath(destDir, member.header.Name)
	if err != nil {
		return err
	}

	switch member.header.TypeFlag {
	case TypeDir:
		if err = os.MkdirAll(target, 0o755); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		return nil

	case TypeSymlink:
		if err = checkLinkTarget(member.header.Name, member.header.LinkName); err != nil {
			return err
		}
		if err = prepareTarget(target); err != nil {
			return err
		}
		if err = os.Symlink(filepath.FromSlash(member.header.LinkName), target); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		return nil

	case TypeLink:
		linkSource, err := securePath(destDir, member.header.LinkName)
		if err != nil {
			return err
		}
		if err = prepareTarget(target); err != nil {
			return err
		}
		if err = os.Link(linkSource, target); err != nil {
			return flatpack.ErrIOFailed.Wrap(err)
		}
		return nil

	case TypeRegular, TypeRegularLegacy, TypeContiguous:
		return a.extractFile(records, member, target, progress)
	}

	return flatpack.ErrNotSupported.WithMessage(
		fmt.Sprintf("member %q has unsupported type %q", member.info.Name, member.header.TypeFlag))
}

// prepareTarget creates the parent directories of `target` and removes any
// existing file in its place.
func prepareTarget(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	err := os.Remove(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (a *Archive) extractFile(
	records *RecordStream, member *entry, target string, progress *flatpack.Progress,
) (err error) {
	if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}

	section, err := records.Section(member.dataRecord(), member.info.DecompressedSize)
	if err != nil {
		return err
	}

	output, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	defer func() {
		closeErr := output.Close()
		if err == nil && closeErr != nil {
			err = flatpack.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil {
			err = flatpack.WithCleanupError(err, os.Remove(target))
		}
	}()

	written, err := io.Copy(&progressWriter{writer: output, progress: progress}, section)
	if err != nil {
		return flatpack.ErrIOFailed.Wrap(err)
	}
	if written != member.info.DecompressedSize {
		return flatpack.ErrCorruptData.WithMessage(
			fmt.Sprintf(
				"member %q: expected %d bytes of data, got %d",
				member.info.Name,
				member.info.DecompressedSize,
				written))
	}

	if err = output.Chmod(member.info.FileMode().Perm()); err != nil {
		a.log.WithError(err).Warn("couldn't set permissions")
		err = nil
	}
	if chtimesErr := os.Chtimes(target, member.info.ModTime, member.info.ModTime); chtimesErr != nil {
		a.log.WithError(chtimesErr).Warn("couldn't set modification time")
	}
	return nil
}

// finishDirectory applies a directory member's permissions and modification
// time. It's done after the directory's contents have been extracted.
func (a *Archive) finishDirectory(member *entry, destDir string) {
	target, err := securePath(destDir, member.header.Name)
	if err != nil {
		return
	}
	if err = os.Chmod(target, member.info.FileMode().Perm()); err != nil {
		a.log.WithError(err).WithField("member", member.info.Name).Warn("couldn't set permissions")
	}
	if err = os.Chtimes(target, member.info.ModTime, member.info.ModTime); err != nil {
		a.log.WithError(err).WithField("member", member.info.Name).Warn("couldn't set modification time")
	}
}

// ExtractMember extracts the selected member into the directory `destDir`,
// at the relative path stored in the archive. Missing parent directories are
// created.
//
// If extraction fails, the partially written output is removed.
func (a *Archive) ExtractMember(
	selector flatpack.MemberSelector, destDir string, progress *flatpack.Progress,
) error {
	archive, err := a.open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer archive.file.Close()

	member, err := archive.find(selector)
	if err != nil {
		return err
	}

	progress.Start(member.info.DecompressedSize, "extracting "+member.info.Name)
	err = a.extract(archive.records, member, destDir, progress)
	if err != nil {
		return err
	}
	if member.isDir() {
		a.finishDirectory(member, destDir)
	}

	a.log.WithField("member", member.info.Name).Info("extracted member")
	progress.Finish("extracted " + member.info.Name)
	return nil
}

// ExtractAll extracts every member into `destDir`. Members of types that
// can't be extracted are skipped with a warning, and returned together as an
// error wrapping [flatpack.ErrNotSupported] at the end.
func (a *Archive) ExtractAll(destDir string, progress *flatpack.Progress) error {
	archive, err := a.open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer archive.file.Close()

	var totalSize int64
	for i := range archive.entries {
		totalSize += archive.entries[i].info.DecompressedSize
	}
	progress.Start(totalSize, "extracting "+filepath.Base(a.path))

	var skipped error
	var directories []*entry
	for i := range archive.entries {
		member := &archive.entries[i]
		err = a.extract(archive.records, member, destDir, progress)
		if errors.Is(err, flatpack.ErrNotSupported) {
			a.log.WithField("member", member.info.Name).Warn(err.Error())
			skipped = multierror.Append(skipped, err)
			continue
		} else if err != nil {
			return flatpack.WithCleanupError(err, skipped)
		}
		if member.isDir() {
			directories = append(directories, member)
		}
	}

	// Deepest directories first, so setting a parent's attributes comes after
	// all changes to its children.
	for i := len(directories) - 1; i >= 0; i-- {
		a.finishDirectory(directories[i], destDir)
	}

	a.log.WithField("members", len(archive.entries)).Info("extracted archive")
	progress.Finish("extracted " + filepath.Base(a.path))
	return skipped
}

// DeleteMember removes the selected member, moving the members after it down
// to fill the gap. Deleting a directory doesn't delete the members inside it.
func (a *Archive) DeleteMember(selector flatpack.MemberSelector, progress *flatpack.Progress) error {
	archive, err := a.open(os.O_RDWR)
	if err != nil {
		return err
	}
	defer archive.file.Close()

	member, err := archive.find(selector)
	if err != nil {
		return err
	}

	start := member.startRecord()
	end := member.endRecord()
	following := int64(archive.end - end)

	progress.Start(following*RecordSize, "deleting "+member.info.Name)
	err = archive.records.Move(end, start, following, progress)
	if err != nil {
		return err
	}
	if err = writeTrailer(archive.records, archive.end-(end-start)); err != nil {
		return err
	}

	a.log.WithFields(
		logrus.Fields{
			"member": member.info.Name,
			"index":  member.info.Index,
			"size":   member.info.TotalSize,
		}).Info("deleted member")
	progress.Finish("deleted " + member.info.Name)
	return nil
}
