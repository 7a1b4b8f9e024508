// Package shm maps named shared memory segments.
//
// A segment is a file under /dev/shm (or the temp directory when /dev/shm
// is unavailable) mapped MAP_SHARED into every process that opens it. The
// package only manages the lifecycle: create, open, close, unlink. The
// layout of the bytes belongs to the caller.
package shm
