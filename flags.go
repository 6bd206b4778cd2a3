package flatpack

import "os"

const (
	S_IXOTH = 1 << iota // 00001
	S_IWOTH = 1 << iota // 00002
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota // 00010
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota // 00100
	S_ISVTX = 1 << iota
	S_ISGID = 1 << iota
	S_ISUID = 1 << iota
	S_IFIFO = 1 << iota // 01000
	S_IFCHR = 1 << iota // 02000
	S_IFDIR = 1 << iota // 04000
	S_IFREG = 1 << iota // 08000
)

const S_IFBLK = 0x6000  // 0110 0000 0000 0000
const S_IFLNK = 0xa000  // 1010 0000 0000 0000
const S_IFSOCK = 0xc000 // 1100 0000 0000 0000
const S_IFMT = 0xf000

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

// FileModeToPosix converts an [os.FileMode] to POSIX st_mode bits. Types that
// POSIX has no bits for are treated as regular files.
func FileModeToPosix(mode os.FileMode) uint32 {
	posix := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		posix |= S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		posix |= S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		posix |= S_ISVTX
	}

	switch {
	case mode.IsDir():
		posix |= S_IFDIR
	case mode&os.ModeSymlink != 0:
		posix |= S_IFLNK
	case mode&os.ModeNamedPipe != 0:
		posix |= S_IFIFO
	case mode&os.ModeCharDevice != 0:
		posix |= S_IFCHR
	case mode&os.ModeDevice != 0:
		posix |= S_IFBLK
	case mode&os.ModeSocket != 0:
		posix |= S_IFSOCK
	default:
		posix |= S_IFREG
	}
	return posix
}

// PosixModeToFileMode is the inverse of [FileModeToPosix].
func PosixModeToFileMode(posix uint32) os.FileMode {
	mode := os.FileMode(posix & 0o777)
	if posix&S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if posix&S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if posix&S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	switch posix & S_IFMT {
	case S_IFDIR:
		mode |= os.ModeDir
	case S_IFLNK:
		mode |= os.ModeSymlink
	case S_IFIFO:
		mode |= os.ModeNamedPipe
	case S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case S_IFBLK:
		mode |= os.ModeDevice
	case S_IFSOCK:
		mode |= os.ModeSocket
	}
	return mode
}
