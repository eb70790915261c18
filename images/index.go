package images

import "github.com/forrest-ci/forrest/types"

// indexDoc is the top-level structure persisted at config.Paths.ImageIndexFile():
// one MachineImage record per (owner, repo, machine_class), keyed by its
// ClassRef string form.
type indexDoc struct {
	Images map[string]*types.MachineImage `json:"images"`
}

// Init implements storage.Initer.
func (d *indexDoc) Init() {
	if d.Images == nil {
		d.Images = make(map[string]*types.MachineImage)
	}
}
