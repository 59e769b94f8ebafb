package models

import (
	"encoding/json"
	"fmt"
	"time"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Steps is a slice of step variants with a tagged JSON encoding: every
// element carries a "kind" field, allowing pipelines to round-trip
// through JSONB storage and the agent wire protocol.
type Steps []Step

// stepWire is the flat JSON superset of all step variants.
type stepWire struct {
	Kind StepKind `json:"kind"`

	Name            string            `json:"name"`
	Command         string            `json:"run"`
	Env             map[string]string `json:"env,omitempty"`
	Dir             string            `json:"dir,omitempty"`
	TimeoutMS       int64             `json:"timeout_ms,omitempty"`
	Condition       *Condition        `json:"when,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	Secrets         []string          `json:"secrets,omitempty"`

	// Container fields
	Image      string     `json:"image,omitempty"`
	Volumes    []string   `json:"volumes,omitempty"`
	Workdir    string     `json:"workdir,omitempty"`
	Network    string     `json:"network,omitempty"`
	PullPolicy PullPolicy `json:"pull_policy,omitempty"`

	// Compose fields
	ComposeFile string `json:"compose_file,omitempty"`
	Service     string `json:"service,omitempty"`

	// Plugin fields
	Config map[string]any `json:"config,omitempty"`
}

func toWire(s Step) stepWire {
	c := s.Common()
	w := stepWire{
		Kind:            s.StepKind(),
		Name:            c.Name,
		Command:         c.Command,
		Env:             c.Env,
		Dir:             c.Dir,
		TimeoutMS:       c.Timeout.Milliseconds(),
		Condition:       c.Condition,
		ContinueOnError: c.ContinueOnError,
		Secrets:         c.Secrets,
	}
	switch t := s.(type) {
	case *DockerStep:
		w.Image = t.Image
		w.Volumes = t.Volumes
		w.Workdir = t.Workdir
		w.Network = t.Network
		w.PullPolicy = t.PullPolicy
	case *ComposeStep:
		w.ComposeFile = t.ComposeFile
		w.Service = t.Service
	case *PluginStep:
		w.Config = t.Config
	}
	return w
}

func (w stepWire) toStep() (Step, error) {
	common := StepCommon{
		Name:            w.Name,
		Command:         w.Command,
		Env:             w.Env,
		Dir:             w.Dir,
		Timeout:         msToDuration(w.TimeoutMS),
		Condition:       w.Condition,
		ContinueOnError: w.ContinueOnError,
		Secrets:         w.Secrets,
	}
	switch w.Kind {
	case StepKindShell, "":
		return &ShellStep{StepCommon: common}, nil
	case StepKindDocker:
		return &DockerStep{
			StepCommon: common,
			Image:      w.Image,
			Volumes:    w.Volumes,
			Workdir:    w.Workdir,
			Network:    w.Network,
			PullPolicy: w.PullPolicy,
		}, nil
	case StepKindCompose:
		return &ComposeStep{
			StepCommon:  common,
			ComposeFile: w.ComposeFile,
			Service:     w.Service,
		}, nil
	default:
		return &PluginStep{StepCommon: common, Kind: w.Kind, Config: w.Config}, nil
	}
}

// MarshalJSON encodes each step with its kind tag.
func (s Steps) MarshalJSON() ([]byte, error) {
	wires := make([]stepWire, len(s))
	for i, step := range s {
		if step == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		wires[i] = toWire(step)
	}
	return json.Marshal(wires)
}

// UnmarshalJSON decodes kind-tagged steps back into their variants.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var wires []stepWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return err
	}
	steps := make(Steps, 0, len(wires))
	for _, w := range wires {
		step, err := w.toStep()
		if err != nil {
			return err
		}
		steps = append(steps, step)
	}
	*s = steps
	return nil
}
