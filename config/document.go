package config

// document is the raw YAML shape of the config file. Top-level keys ending
// in "_snippets" are reusable fragments meant to be expanded by YAML anchors
// and merge keys before this document is parsed; since they don't correspond
// to any field here, yaml.v3's non-strict decode simply ignores them.
type document struct {
	Host HostDoc           `yaml:"host"`
	CI   CIDoc             `yaml:"ci"`
	Repos []RepoDoc        `yaml:"repos"`
}

type HostDoc struct {
	BaseDir   string `yaml:"base_dir"`
	RAMBudget string `yaml:"ram_budget"`
}

type CIDoc struct {
	AppID           int64  `yaml:"app_id"`
	PrivateKeyPath  string `yaml:"private_key_path"`
	WebhookSecret   string `yaml:"webhook_secret"`
	PollingInterval string `yaml:"polling_interval"`
	APIBaseURL      string `yaml:"api_base_url"`
}

type RepoDoc struct {
	Owner            string               `yaml:"owner"`
	Repo             string               `yaml:"repo"`
	PersistenceToken string               `yaml:"persistence_token"`
	Classes          map[string]*ClassDoc `yaml:"classes"`
}

type ClassDoc struct {
	CPU           int             `yaml:"cpu"`
	Disk          string          `yaml:"disk"`
	RAM           string          `yaml:"ram"`
	SetupTemplate SetupTemplateDoc `yaml:"setup_template"`
	BaseImage     string          `yaml:"base_image"`
	BaseMachine   *BaseMachineDoc `yaml:"base_machine"`
	UseBase       string          `yaml:"use_base"`
	Shared        []SharedDoc     `yaml:"shared"`
}

type SetupTemplateDoc struct {
	Path       string            `yaml:"path"`
	Parameters map[string]string `yaml:"parameters"`
}

type BaseMachineDoc struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Class string `yaml:"class"`
}

type SharedDoc struct {
	Path     string `yaml:"path"`
	Tag      string `yaml:"tag"`
	Writable bool   `yaml:"writable"`
}
