package flatpack

import (
	"fmt"
	"os"
	"time"
)

// MemberInfo describes one logical entry inside a GZIP or TAR container.
//
// All offsets are absolute byte offsets from the beginning of the container
// file. For TAR members, CompressedSize and DecompressedSize are both the size
// of the stored data since TAR doesn't compress anything.
type MemberInfo struct {
	// Index is the zero-based position of the member in the container.
	Index int `csv:"index"`
	// Name is the member's file name. GZIP members don't need to have one.
	Name    string    `csv:"name"`
	Comment string    `csv:"comment"`
	ModTime time.Time `csv:"mod_time"`
	// StartOffset is where the member's header begins.
	StartOffset int64 `csv:"start_offset"`
	// DataOffset is where the member's (possibly compressed) data begins.
	DataOffset       int64 `csv:"data_offset"`
	CompressedSize   int64 `csv:"compressed_size"`
	DecompressedSize int64 `csv:"decompressed_size"`
	// TotalSize is the number of bytes the member occupies in the container,
	// including its header, trailer, and any padding.
	TotalSize int64 `csv:"total_size"`
	// Mode holds POSIX permission and file type bits (see flags.go).
	Mode uint32 `csv:"mode"`
	// CRC32 is the checksum recorded in the member trailer, if the format has
	// one.
	CRC32 uint32 `csv:"crc32"`
}

// EndOffset gives the offset of the first byte after this member.
func (info *MemberInfo) EndOffset() int64 {
	return info.StartOffset + info.TotalSize
}

// IsDir returns true if the member is a directory.
func (info *MemberInfo) IsDir() bool {
	return info.Mode&S_IFMT == S_IFDIR
}

// FileMode converts the member's POSIX mode bits to an [os.FileMode].
func (info *MemberInfo) FileMode() os.FileMode {
	return PosixModeToFileMode(info.Mode)
}

// MemberSelector picks one member of an archive, either by name or by index.
type MemberSelector struct {
	name    string
	index   int
	byIndex bool
}

// ByName selects the first member with the given name.
func ByName(name string) MemberSelector {
	return MemberSelector{name: name}
}

// ByIndex selects the member at the given zero-based position.
func ByIndex(index int) MemberSelector {
	return MemberSelector{index: index, byIndex: true}
}

func (sel MemberSelector) String() string {
	if sel.byIndex {
		return fmt.Sprintf("member #%d", sel.index)
	}
	return fmt.Sprintf("member %q", sel.name)
}

// Find returns the position of the selected member in `members`. If there's no
// such member, it returns an error wrapping [ErrNotFound].
func (sel MemberSelector) Find(members []MemberInfo) (int, error) {
	if sel.byIndex {
		if sel.index < 0 || sel.index >= len(members) {
			return -1, ErrNotFound.WithMessage(
				fmt.Sprintf(
					"index %d not in range [0, %d)", sel.index, len(members)))
		}
		return sel.index, nil
	}

	for i := range members {
		if members[i].Name == sel.name {
			return i, nil
		}
	}
	return -1, ErrNotFound.WithMessage(fmt.Sprintf("no member named %q", sel.name))
}

// ListingArchive is the interface for containers whose members can be listed.
type ListingArchive interface {
	// ListMembers returns information on every member in the container, in the
	// order they're stored.
	ListMembers() ([]MemberInfo, error)
}

// Archive is the interface implemented by all container formats. Every
// operation that does I/O takes an optional [Progress]; nil is allowed.
//
// Operations that fail must not leave a partially written file behind: newly
// created output files are removed, and a container that was being modified is
// restored to its original length.
type Archive interface {
	ListingArchive

	// AddMember appends the file or directory at `sourcePath` to the container.
	// Containers that can't hold directories return [ErrNotSupported] for them.
	AddMember(sourcePath string, progress *Progress) error

	// ExtractMember writes the contents of the selected member to `destPath`.
	// Formats that store paths (TAR) treat `destPath` as a directory and
	// recreate the member's relative path under it. An error wrapping
	// [ErrChecksumMismatch] means the output was written in full but failed
	// verification; the output is kept.
	ExtractMember(selector MemberSelector, destPath string, progress *Progress) error

	// DeleteMember removes the selected member, moving all following members
	// down so no gap is left.
	DeleteMember(selector MemberSelector, progress *Progress) error
}
