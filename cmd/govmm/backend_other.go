//go:build !linux && !(darwin && arm64)

package main

import (
	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/backend/unsupported"
)

func newBackend() backend.Backend {
	return unsupported.New()
}
