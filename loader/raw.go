package loader

import (
	"os"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/memmap"
)

// LoadRaw implements spec.md §6's raw-binary contract: place the file's
// bytes at guest physical address addr and report the register state
// that starts execution there. Used for flat/bare-metal ARM64 images
// that have no Linux boot-protocol header, the Apple backend's primary
// guest shape.
func LoadRaw(mem *memmap.Map, path string, addr, entry uint64) (backend.RegBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return backend.RegBundle{}, err
	}

	if err := mem.Write(addr, data); err != nil {
		return backend.RegBundle{}, err
	}

	return backend.RegBundle{
		ARM64: backend.RegsARM64{PC: entry},
	}, nil
}
