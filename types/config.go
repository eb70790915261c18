package types

// UseBasePolicy controls which image a new run forks from relative to the
// existing machine image for its class.
type UseBasePolicy string

const (
	// UseBaseIfNewer forks from whichever of (declared base, machine image)
	// has the strictly newer mtime; ties favor the machine image.
	UseBaseIfNewer UseBasePolicy = "if_newer"
	// UseBaseAlways forks from the declared base_image/base_machine, never
	// from an existing machine image for this class.
	UseBaseAlways UseBasePolicy = "always"
	// UseBaseNever forks from the current machine image only; fails the
	// request with NoBaseAvailable if none exists yet.
	UseBaseNever UseBasePolicy = "never"
)

// ValidUseBasePolicy reports whether p is one of the permitted values.
func ValidUseBasePolicy(p UseBasePolicy) bool {
	switch p {
	case UseBaseIfNewer, UseBaseAlways, UseBaseNever:
		return true
	default:
		return false
	}
}

// RepoRef identifies a GitHub repository Forrest manages runners for.
type RepoRef struct {
	Owner string
	Repo  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Repo }

// ClassRef identifies a machine class within a repository.
type ClassRef struct {
	RepoRef
	Class string
}

func (c ClassRef) String() string { return c.RepoRef.String() + "/" + c.Class }

// SetupTemplate describes the cloud-init source tree for a machine class.
type SetupTemplate struct {
	// Path is the directory containing the files to render and package
	// into the cloud-init seed. Every file is scanned for <NAME> tokens.
	Path string
	// Parameters supplies the values substituted for <NAME> tokens found
	// in the template tree, beyond the always-available <JITCONFIG>.
	Parameters map[string]string
}

// SharedMount describes a host directory made available to the guest via a
// 9p/virtfs mount.
type SharedMount struct {
	Path     string
	Tag      string
	Writable bool
}

// MachineClass is a named, per-repository VM template.
type MachineClass struct {
	Name string

	CPU    int
	Disk   int64 // bytes
	RAM    int64 // bytes
	Setup  SetupTemplate
	Shared []SharedMount

	// Exactly one of BaseImage or BaseMachine may be set.
	BaseImage   string    // filesystem path to a src image
	BaseMachine *ClassRef // (owner, repo, machine_class) of a parent class

	UseBase UseBasePolicy
}

// RepoConfig is the per-repository slice of the configuration snapshot.
type RepoConfig struct {
	Owner string
	Repo  string

	// PersistenceToken is the operator-chosen shared secret a job presents
	// from inside the guest to promote its run image. Empty means this
	// repo never persists images.
	PersistenceToken string

	Classes map[string]*MachineClass
}

// HostLimits are the resource ceilings the admission controller enforces.
type HostLimits struct {
	BaseDir   string
	RAMBudget int64 // bytes
}

// CIProviderConfig carries the credentials used to talk to the CI platform.
// The whole CI section is frozen at its daemon-startup values: a config
// hot-reload parses it again (including reading the private key file), but
// the config store keeps the startup values in every new snapshot.
type CIProviderConfig struct {
	AppID            int64
	PrivateKeyPEM    []byte
	WebhookSecret    []byte
	PollingInterval  int64 // seconds; 0 means use the default
	APIBaseURL       string
}

// ConfigSnapshot is one immutable, versioned view of the declarative config.
// A snapshot is swapped in atomically by the config store; consumers that
// hold a reference never observe a partial edit.
type ConfigSnapshot struct {
	Version int64

	Host HostLimits
	CI   CIProviderConfig

	// Repos is keyed by "owner/repo".
	Repos map[string]*RepoConfig
}

// Repo looks up a repository record by owner/repo.
func (s *ConfigSnapshot) Repo(owner, repo string) (*RepoConfig, bool) {
	rc, ok := s.Repos[owner+"/"+repo]
	return rc, ok
}

// Class looks up a machine class by (owner, repo, class).
func (s *ConfigSnapshot) Class(ref ClassRef) (*MachineClass, bool) {
	rc, ok := s.Repo(ref.Owner, ref.Repo)
	if !ok {
		return nil, false
	}
	mc, ok := rc.Classes[ref.Class]
	return mc, ok
}

// Clone returns a deep copy of a single MachineClass, safe to pin into a run
// record independent of future config swaps.
func (m *MachineClass) Clone() *MachineClass {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Setup.Parameters != nil {
		cp.Setup.Parameters = make(map[string]string, len(m.Setup.Parameters))
		for k, v := range m.Setup.Parameters {
			cp.Setup.Parameters[k] = v
		}
	}
	if m.Shared != nil {
		cp.Shared = append([]SharedMount(nil), m.Shared...)
	}
	if m.BaseMachine != nil {
		bm := *m.BaseMachine
		cp.BaseMachine = &bm
	}
	return &cp
}
