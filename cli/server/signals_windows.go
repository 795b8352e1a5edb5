//go:build windows

package server

import "syscall"

// sighup is never delivered on Windows, log level can't be reloaded there.
const sighup = syscall.SIGHUP
