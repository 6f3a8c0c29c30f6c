package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/louhela/crateci/internal/util"
)

// Step names of the fixed run sequence. Every run executes these five
// steps in this order, stopping at the first failure.
const (
	StepNameCheckout  = "checkout"
	StepNameProvision = "provision"
	StepNameBuild     = "build"
	StepNameTest      = "test"
	StepNameHeavyTest = "heavy test"
)

const (
	defaultCheckoutTimeout  = 5 * time.Minute
	defaultProvisionTimeout = 15 * time.Minute
	defaultBuildTimeout     = 60 * time.Minute
	defaultTestTimeout      = 60 * time.Minute
	defaultHeavyTestTimeout = 60 * time.Minute
)

// Manifest is the optional per-repository tuning file (.crateci.yml).
// A missing or empty manifest yields the default cargo step plan with
// networkx as the only Python test dependency.
type Manifest struct {
	Toolchain      string            `yaml:"toolchain"`
	PythonPackages []string          `yaml:"python_packages"`
	Env            map[string]string `yaml:"env"`
	Timeouts       ManifestTimeouts  `yaml:"timeouts"`
	Artifacts      string            `yaml:"artifacts"`
}

type ManifestTimeouts struct {
	CheckoutSeconds  int64 `yaml:"checkout_seconds"`
	ProvisionSeconds int64 `yaml:"provision_seconds"`
	BuildSeconds     int64 `yaml:"build_seconds"`
	TestSeconds      int64 `yaml:"test_seconds"`
	HeavyTestSeconds int64 `yaml:"heavy_test_seconds"`
}

func ParseManifest(b []byte) (*Manifest, error) {
	m := new(Manifest)
	if len(b) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PlannedStep is a single command of a run. Checkout runs in the run's
// working directory; every later step runs inside the cloned repository.
type PlannedStep struct {
	Name      string
	Script    string
	Timeout   time.Duration
	InRepoDir bool
}

type StepPlan struct {
	// Env holds sorted KEY=VALUE assignments applied to every step.
	Env   []string
	Steps []PlannedStep
}

// StepPlan produces the run's command sequence. The same manifest,
// repository, branch and commit always produce the same plan.
func (m *Manifest) StepPlan(repository, branch, commitSHA string) *StepPlan {
	cargo := "cargo"
	if m.Toolchain != "" {
		cargo = "cargo +" + m.Toolchain
	}

	checkout := fmt.Sprintf("git clone -b %s %s", branch, repository)
	if commitSHA != "" {
		checkout += fmt.Sprintf(
			" && cd %s && git checkout --detach %s",
			util.RepositoryDir(repository),
			commitSHA,
		)
	}

	packages := m.PythonPackages
	if len(packages) == 0 {
		packages = []string{"networkx"}
	}
	provision := "sudo apt-get update && sudo apt-get install -y python3 python3-pip"
	provision += " && python3 -m pip install --user " + strings.Join(packages, " ")
	if m.Toolchain != "" {
		provision += " && rustup toolchain install " + m.Toolchain
	}

	env := map[string]string{"CARGO_TERM_COLOR": "always"}
	for k, v := range m.Env {
		env[k] = v
	}
	assignments := make([]string, 0, len(env))
	for k, v := range env {
		assignments = append(assignments, k+"="+v)
	}
	sort.Strings(assignments)

	return &StepPlan{
		Env: assignments,
		Steps: []PlannedStep{
			{
				Name:    StepNameCheckout,
				Script:  checkout,
				Timeout: m.Timeouts.checkout(),
			},
			{
				Name:      StepNameProvision,
				Script:    provision,
				Timeout:   m.Timeouts.provision(),
				InRepoDir: true,
			},
			{
				Name:      StepNameBuild,
				Script:    cargo + " build --verbose",
				Timeout:   m.Timeouts.build(),
				InRepoDir: true,
			},
			{
				Name:      StepNameTest,
				Script:    cargo + " test --verbose",
				Timeout:   m.Timeouts.test(),
				InRepoDir: true,
			},
			{
				Name:      StepNameHeavyTest,
				Script:    cargo + " test --release",
				Timeout:   m.Timeouts.heavyTest(),
				InRepoDir: true,
			},
		},
	}
}

func (sp *StepPlan) StepNames() []string {
	names := make([]string, len(sp.Steps))
	for i, s := range sp.Steps {
		names[i] = s.Name
	}
	return names
}

// EnvPrefix renders the plan's environment as a shell command prefix,
// e.g. "CARGO_TERM_COLOR=always ".
func (sp *StepPlan) EnvPrefix() string {
	if len(sp.Env) == 0 {
		return ""
	}
	return strings.Join(sp.Env, " ") + " "
}

func (mt ManifestTimeouts) checkout() time.Duration {
	return secondsOrDefault(mt.CheckoutSeconds, defaultCheckoutTimeout)
}

func (mt ManifestTimeouts) provision() time.Duration {
	return secondsOrDefault(mt.ProvisionSeconds, defaultProvisionTimeout)
}

func (mt ManifestTimeouts) build() time.Duration {
	return secondsOrDefault(mt.BuildSeconds, defaultBuildTimeout)
}

func (mt ManifestTimeouts) test() time.Duration {
	return secondsOrDefault(mt.TestSeconds, defaultTestTimeout)
}

func (mt ManifestTimeouts) heavyTest() time.Duration {
	return secondsOrDefault(mt.HeavyTestSeconds, defaultHeavyTestTimeout)
}

func secondsOrDefault(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
