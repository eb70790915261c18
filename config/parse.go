package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/types"
)

// bareNumber matches a size value with no unit suffix (e.g. "1024"),
// which units.RAMInBytes would otherwise silently accept as a byte count.
var bareNumber = regexp.MustCompile(`^\s*[0-9.]+\s*$`)

// parseSize parses a human size string like "10G" or "512Mb", rejecting a
// bare unsuffixed number: a size field always names its unit explicitly.
func parseSize(s string) (int64, error) {
	if bareNumber.MatchString(s) {
		return 0, fmt.Errorf("%q has no unit suffix (e.g. %q)", s, s+"G")
	}
	return units.RAMInBytes(s)
}

// parse decodes raw YAML bytes, validates the result, and builds a
// ConfigSnapshot. version is stamped onto the snapshot as-is (the caller
// tracks the monotonically increasing counter).
func parse(raw []byte, version int64) (*types.ConfigSnapshot, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ferrors.ErrConfigInvalid, err)
	}

	ramBudget, err := parseSize(doc.Host.RAMBudget)
	if err != nil {
		return nil, fmt.Errorf("%w: host.ram_budget: %v", ferrors.ErrConfigInvalid, err)
	}
	if doc.Host.BaseDir == "" {
		return nil, fmt.Errorf("%w: host.base_dir is required", ferrors.ErrConfigInvalid)
	}

	ci, err := parseCI(doc.CI)
	if err != nil {
		return nil, err
	}

	snap := &types.ConfigSnapshot{
		Version: version,
		Host: types.HostLimits{
			BaseDir:   doc.Host.BaseDir,
			RAMBudget: ramBudget,
		},
		CI:    ci,
		Repos: make(map[string]*types.RepoConfig, len(doc.Repos)),
	}

	for _, rd := range doc.Repos {
		if rd.Owner == "" || rd.Repo == "" {
			return nil, fmt.Errorf("%w: repo entry missing owner/repo", ferrors.ErrConfigInvalid)
		}
		repo := &types.RepoConfig{
			Owner:            rd.Owner,
			Repo:             rd.Repo,
			PersistenceToken: rd.PersistenceToken,
			Classes:          make(map[string]*types.MachineClass, len(rd.Classes)),
		}
		for name, cd := range rd.Classes {
			mc, err := parseClass(name, cd)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s/%s: %v", ferrors.ErrConfigInvalid, rd.Owner, rd.Repo, name, err)
			}
			repo.Classes[name] = mc
		}
		key := types.RepoRef{Owner: rd.Owner, Repo: rd.Repo}.String()
		snap.Repos[key] = repo
	}

	if err := validateBaseMachineGraph(snap); err != nil {
		return nil, err
	}

	return snap, nil
}

func parseCI(cd CIDoc) (types.CIProviderConfig, error) {
	var ci types.CIProviderConfig
	ci.AppID = cd.AppID
	ci.APIBaseURL = cd.APIBaseURL
	ci.WebhookSecret = []byte(cd.WebhookSecret)

	if cd.PrivateKeyPath != "" {
		key, err := os.ReadFile(cd.PrivateKeyPath) //nolint:gosec // operator-controlled config path
		if err != nil {
			return ci, fmt.Errorf("%w: ci.private_key_path: %v", ferrors.ErrConfigInvalid, err)
		}
		ci.PrivateKeyPEM = key
	}

	interval := cd.PollingInterval
	if interval == "" {
		interval = "15m"
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return ci, fmt.Errorf("%w: ci.polling_interval: %v", ferrors.ErrConfigInvalid, err)
	}
	ci.PollingInterval = int64(d.Seconds())

	return ci, nil
}

func parseClass(name string, cd *ClassDoc) (*types.MachineClass, error) {
	if cd.BaseImage != "" && cd.BaseMachine != nil {
		return nil, fmt.Errorf("declares both base_image and base_machine")
	}

	disk, err := parseSize(cd.Disk)
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	ram, err := parseSize(cd.RAM)
	if err != nil {
		return nil, fmt.Errorf("ram: %w", err)
	}

	if cd.SetupTemplate.Path == "" {
		return nil, fmt.Errorf("setup_template.path is required")
	}
	info, err := os.Stat(cd.SetupTemplate.Path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("setup_template.path %q does not exist or is not a directory", cd.SetupTemplate.Path)
	}

	useBase := types.UseBasePolicy(cd.UseBase)
	if useBase == "" {
		useBase = types.UseBaseIfNewer
	}
	if !types.ValidUseBasePolicy(useBase) {
		return nil, fmt.Errorf("use_base %q is not a valid policy", cd.UseBase)
	}

	mc := &types.MachineClass{
		Name: name,
		CPU:  cd.CPU,
		Disk: disk,
		RAM:  ram,
		Setup: types.SetupTemplate{
			Path:       cd.SetupTemplate.Path,
			Parameters: cd.SetupTemplate.Parameters,
		},
		BaseImage: cd.BaseImage,
		UseBase:   useBase,
	}
	if cd.BaseMachine != nil {
		mc.BaseMachine = &types.ClassRef{
			RepoRef: types.RepoRef{Owner: cd.BaseMachine.Owner, Repo: cd.BaseMachine.Repo},
			Class:   cd.BaseMachine.Class,
		}
	}
	for _, sd := range cd.Shared {
		mc.Shared = append(mc.Shared, types.SharedMount{
			Path:     sd.Path,
			Tag:      sd.Tag,
			Writable: sd.Writable,
		})
	}
	return mc, nil
}

// validateBaseMachineGraph checks that every base_machine triple resolves
// within this same config and that the base_machine graph has no cycles.
func validateBaseMachineGraph(snap *types.ConfigSnapshot) error {
	for repoKey, repo := range snap.Repos {
		for className, class := range repo.Classes {
			if class.BaseMachine == nil {
				continue
			}
			if _, ok := snap.Class(*class.BaseMachine); !ok {
				return fmt.Errorf("%w: %s/%s: base_machine %s does not resolve",
					ferrors.ErrConfigInvalid, repoKey, className, class.BaseMachine)
			}
		}
	}

	for repoKey, repo := range snap.Repos {
		for className, class := range repo.Classes {
			start := types.ClassRef{RepoRef: types.RepoRef{Owner: repo.Owner, Repo: repo.Repo}, Class: className}
			if err := checkCycle(snap, start, class, map[string]bool{}); err != nil {
				return fmt.Errorf("%w: %s/%s: %v", ferrors.ErrConfigInvalid, repoKey, className, err)
			}
		}
	}
	return nil
}

func checkCycle(snap *types.ConfigSnapshot, start types.ClassRef, class *types.MachineClass, seen map[string]bool) error {
	if class.BaseMachine == nil {
		return nil
	}
	key := class.BaseMachine.String()
	if class.BaseMachine.String() == start.String() || seen[key] {
		return fmt.Errorf("cyclic base_machine reference at %s", key)
	}
	seen[key] = true
	next, ok := snap.Class(*class.BaseMachine)
	if !ok {
		return nil // already reported by validateBaseMachineGraph's resolution pass
	}
	return checkCycle(snap, start, next, seen)
}
