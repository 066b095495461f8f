//go:build linux

// Package thread identifies the OS thread a goroutine is locked to.
package thread

import "golang.org/x/sys/unix"

// ID returns the kernel thread id of the calling thread.
func ID() int {
	return unix.Gettid()
}
