package pipeline

import (
	"fmt"

	"github.com/chengis/chengis/pkg/models"
)

// Validate checks a parsed pipeline for structural problems the parsers
// cannot catch. Template fragments may omit stages; anything submitted
// for execution must pass with at least one stage.
func Validate(p *models.Pipeline) error {
	if p == nil {
		return fmt.Errorf("pipeline is empty")
	}
	if p.Extends == "" && len(p.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	names := map[string]bool{}
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage %d: missing name", i)
		}
		if names[stage.Name] {
			return fmt.Errorf("stage %q: duplicate name", stage.Name)
		}
		names[stage.Name] = true
		if len(stage.Steps) == 0 {
			return fmt.Errorf("stage %q: no steps", stage.Name)
		}
		if stage.Approval != nil && stage.Approval.MinApprovals < 0 {
			return fmt.Errorf("stage %q: negative min_approvals", stage.Name)
		}
		if err := validateCondition(stage.Condition); err != nil {
			return fmt.Errorf("stage %q: %w", stage.Name, err)
		}
		for j, step := range stage.Steps {
			if err := validateStep(step); err != nil {
				return fmt.Errorf("stage %q step %d: %w", stage.Name, j, err)
			}
		}
	}
	if p.Post != nil {
		for _, steps := range []models.Steps{p.Post.Always, p.Post.OnSuccess, p.Post.OnFailure} {
			for j, step := range steps {
				if err := validateStep(step); err != nil {
					return fmt.Errorf("post step %d: %w", j, err)
				}
			}
		}
	}
	return nil
}

func validateStep(step models.Step) error {
	c := step.Common()
	if c.Name == "" {
		return fmt.Errorf("missing name")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	switch s := step.(type) {
	case *models.ShellStep, *models.ComposeStep:
		if c.Command == "" {
			return fmt.Errorf("missing run command")
		}
	case *models.DockerStep:
		if s.Image == "" {
			return fmt.Errorf("missing image")
		}
		if c.Command == "" {
			return fmt.Errorf("missing run command")
		}
	case *models.PluginStep:
		if s.Kind == "" {
			return fmt.Errorf("missing step kind")
		}
	}
	return validateCondition(c.Condition)
}

func validateCondition(cond *models.Condition) error {
	if cond == nil {
		return nil
	}
	switch cond.Kind {
	case models.ConditionBranch:
		if cond.Branch == "" {
			return fmt.Errorf("branch condition without a branch")
		}
	case models.ConditionParam:
		if cond.Param == "" {
			return fmt.Errorf("param condition without a parameter")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
	return nil
}
