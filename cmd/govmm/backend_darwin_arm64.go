//go:build darwin && arm64

package main

import (
	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/backend/hvfarm64"
)

func newBackend() backend.Backend {
	return hvfarm64.New()
}
