package types

import "time"

// ImageTier distinguishes the three tiers of the image lineage.
type ImageTier string

const (
	TierSrc     ImageTier = "src"
	TierMachine ImageTier = "machine"
	TierRun     ImageTier = "run"
)

// MachineImage is the durable, one-per-(owner,repo,machine_class) record of
// the current persisted machine image. While Readers > 0 or Stopping is
// true the image is immutable: it must not be overwritten or deleted.
type MachineImage struct {
	Ref ClassRef

	Path  string
	Mtime time.Time

	// Origin describes the lineage this image descended from: either a src
	// image path or a parent machine's ClassRef, for diagnostics only.
	Origin string

	Readers  int
	Stopping bool
}
