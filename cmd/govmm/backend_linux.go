//go:build linux

package main

import (
	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/backend/kvmlinux"
)

func newBackend() backend.Backend {
	return kvmlinux.New("")
}
