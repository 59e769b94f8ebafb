// Package models defines the typed domain model shared by the store, the
// runner, and the API layer. Pipelines are validated once at the parse
// boundary; everything downstream operates on these types.
package models

import "time"

// StepKind identifies the executor implementation for a step.
type StepKind string

// Built-in step kinds. Plugins may register additional kinds.
const (
	StepKindShell   StepKind = "shell"
	StepKindDocker  StepKind = "container"
	StepKindCompose StepKind = "container-compose"
)

// PullPolicy controls image pulling for containerised steps.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

// ConditionKind discriminates stage/step conditions.
type ConditionKind string

const (
	ConditionBranch ConditionKind = "branch"
	ConditionParam  ConditionKind = "param"
)

// Condition gates execution of a stage or step.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`
	// Branch holds the branch name or glob pattern for ConditionBranch.
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
	// Param/Equals hold the parameter comparison for ConditionParam.
	Param  string `yaml:"param,omitempty" json:"param,omitempty"`
	Equals string `yaml:"equals,omitempty" json:"equals,omitempty"`
	// Negate inverts the result.
	Negate bool `yaml:"negate,omitempty" json:"negate,omitempty"`
}

// StepCommon carries the fields shared by every step kind.
type StepCommon struct {
	Name            string            `yaml:"name" json:"name"`
	Command         string            `yaml:"run" json:"run"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir             string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Condition       *Condition        `yaml:"when,omitempty" json:"when,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Secrets         []string          `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// Step is the closed set of step variants. Use a type switch or the
// executor registry (keyed by StepKind) to dispatch.
type Step interface {
	StepKind() StepKind
	Common() *StepCommon
}

// ShellStep runs a command through the system shell.
type ShellStep struct {
	StepCommon `yaml:",inline"`
}

func (s *ShellStep) StepKind() StepKind  { return StepKindShell }
func (s *ShellStep) Common() *StepCommon { return &s.StepCommon }

// DockerStep runs a command inside a container image.
type DockerStep struct {
	StepCommon `yaml:",inline"`
	Image      string     `yaml:"image" json:"image"`
	Volumes    []string   `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Workdir    string     `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Network    string     `yaml:"network,omitempty" json:"network,omitempty"`
	PullPolicy PullPolicy `yaml:"pull_policy,omitempty" json:"pull_policy,omitempty"`
}

func (s *DockerStep) StepKind() StepKind  { return StepKindDocker }
func (s *DockerStep) Common() *StepCommon { return &s.StepCommon }

// ComposeStep runs a command against a docker compose project.
type ComposeStep struct {
	StepCommon  `yaml:",inline"`
	ComposeFile string `yaml:"compose_file,omitempty" json:"compose_file,omitempty"`
	Service     string `yaml:"service,omitempty" json:"service,omitempty"`
}

func (s *ComposeStep) StepKind() StepKind  { return StepKindCompose }
func (s *ComposeStep) Common() *StepCommon { return &s.StepCommon }

// PluginStep dispatches to an executor contributed by a plugin.
type PluginStep struct {
	StepCommon `yaml:",inline"`
	Kind       StepKind       `yaml:"kind" json:"kind"`
	Config     map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

func (s *PluginStep) StepKind() StepKind  { return s.Kind }
func (s *PluginStep) Common() *StepCommon { return &s.StepCommon }

// ContainerSpec is a stage- or pipeline-level container context. Steps in
// a stage with a container run inside that image (one container per step;
// only the workspace is shared between steps).
type ContainerSpec struct {
	Image      string            `yaml:"image" json:"image"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Volumes    []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Workdir    string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	PullPolicy PullPolicy        `yaml:"pull_policy,omitempty" json:"pull_policy,omitempty"`
}

// ApprovalSpec marks a stage as requiring manual approval before it runs.
type ApprovalSpec struct {
	RequiredRole   string        `yaml:"required_role,omitempty" json:"required_role,omitempty"`
	ApproverGroup  []string      `yaml:"approver_group,omitempty" json:"approver_group,omitempty"`
	MinApprovals   int           `yaml:"min_approvals,omitempty" json:"min_approvals,omitempty"`
	TimeoutMinutes int `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
}

// StageDef is one ordered group of steps.
type StageDef struct {
	Name      string         `yaml:"name" json:"name"`
	Parallel  bool           `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Condition *Condition     `yaml:"when,omitempty" json:"when,omitempty"`
	Container *ContainerSpec `yaml:"container,omitempty" json:"container,omitempty"`
	Approval  *ApprovalSpec  `yaml:"approval,omitempty" json:"approval,omitempty"`
	Steps     Steps          `yaml:"steps" json:"steps"`
}

// PostActions groups steps run after the stage phase. Failures here are
// logged and audited but never change the build status.
type PostActions struct {
	Always    Steps `yaml:"always,omitempty" json:"always,omitempty"`
	OnSuccess Steps `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure Steps `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// SourceSpec points at the repository a build checks out.
type SourceSpec struct {
	URL    string `yaml:"url" json:"url"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Depth  int    `yaml:"depth,omitempty" json:"depth,omitempty"`
}

// NotifierSpec declares a notification target invoked at build completion.
type NotifierSpec struct {
	Type   string            `yaml:"type" json:"type"`
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// TriggerSpec declares automatic triggers parsed from the workflow file.
type TriggerSpec struct {
	PushBranches []string `yaml:"push_branches,omitempty" json:"push_branches,omitempty"`
	Schedules    []string `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// ParameterSpec declares a build parameter with an optional default.
type ParameterSpec struct {
	Name    string `yaml:"name" json:"name"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Pipeline is the fully-parsed internal pipeline model. It is a value
// object owned by a Job row; it is never persisted on its own.
type Pipeline struct {
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Extends     string            `yaml:"extends,omitempty" json:"extends,omitempty"`
	Parameters  []ParameterSpec   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Triggers    *TriggerSpec      `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Source      *SourceSpec       `yaml:"source,omitempty" json:"source,omitempty"`
	Container   *ContainerSpec    `yaml:"container,omitempty" json:"container,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Stages      []StageDef        `yaml:"stages" json:"stages"`
	Post        *PostActions      `yaml:"post,omitempty" json:"post,omitempty"`
	Artifacts   []string          `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Notify      []NotifierSpec    `yaml:"notify,omitempty" json:"notify,omitempty"`
	// RequiredLabels constrains which agents may run builds of this pipeline.
	RequiredLabels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// HasApprovalStages reports whether any stage carries an approval gate.
func (p *Pipeline) HasApprovalStages() bool {
	for i := range p.Stages {
		if p.Stages[i].Approval != nil {
			return true
		}
	}
	return false
}

// Stage returns the stage with the given name, or nil.
func (p *Pipeline) Stage(name string) *StageDef {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}
