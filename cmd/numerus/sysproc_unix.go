//go:build !windows

package main

import "syscall"

// detachedSysProcAttr starts the worker in its own session so it
// survives the CLI process exiting and receives signals independently.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
