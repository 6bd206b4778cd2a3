// Package gzip reads and writes GZIP files (RFC 1952) using the compressor in
// package deflate.
//
// A GZIP file is a sequence of independently compressed members, each with its
// own header and CRC-32 trailer. [Archive] treats those members like the
// entries of an archive, so they can be listed, added, extracted, and deleted
// individually.
package gzip
