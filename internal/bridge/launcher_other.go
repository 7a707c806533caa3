//go:build !linux

package bridge

import "syscall"

func sysProcAttr() *syscall.SysProcAttr { return nil }

// Resource limits are only enforced on Linux.
func applyLimits(pid int, limits Limits) {}
