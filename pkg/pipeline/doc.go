package pipeline

import (
	"fmt"
	"time"

	"github.com/chengis/chengis/pkg/models"
)

// Both file formats decode into a generic document (maps with string
// keys, slices, scalars) and normalise here. A step with image (or a
// stage/pipeline container) becomes a containerised step; compose_file
// selects compose; an explicit kind selects a plugin executor; otherwise
// shell.

func docPipeline(doc map[string]any) (*models.Pipeline, error) {
	p := &models.Pipeline{
		Name:        docString(doc, "name"),
		Description: docString(doc, "description"),
		Extends:     docString(doc, "extends"),
		Env:         docStringMap(doc, "env"),
		Artifacts:   docStringSlice(doc, "artifacts"),
	}

	if raw, ok := doc["container"]; ok {
		c, err := docContainer(raw)
		if err != nil {
			return nil, err
		}
		p.Container = c
	}

	if raw, ok := doc["parameters"]; ok {
		params, err := docParameters(raw)
		if err != nil {
			return nil, err
		}
		p.Parameters = params
	}

	if raw, ok := doc["on"]; ok {
		trig, err := docTriggers(raw)
		if err != nil {
			return nil, err
		}
		p.Triggers = trig
	}

	if raw, ok := doc["source"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("source must be a map")
		}
		p.Source = &models.SourceSpec{
			URL:    docString(m, "url"),
			Branch: docString(m, "branch"),
			Depth:  docInt(m, "depth"),
		}
	}

	stagesRaw, ok := doc["stages"].([]any)
	if !ok && doc["stages"] != nil {
		return nil, fmt.Errorf("stages must be a list")
	}
	for i, raw := range stagesRaw {
		stage, err := docStage(raw)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		p.Stages = append(p.Stages, *stage)
	}

	if raw, ok := doc["post"]; ok {
		post, err := docPost(raw)
		if err != nil {
			return nil, err
		}
		p.Post = post
	}

	if raw, ok := doc["notify"].([]any); ok {
		for i, n := range raw {
			m, ok := n.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("notify %d: must be a map", i)
			}
			p.Notify = append(p.Notify, models.NotifierSpec{
				Type:   docString(m, "type"),
				Config: docStringMap(m, "config"),
			})
		}
	}

	p.RequiredLabels = docStringSlice(doc, "labels")
	return p, nil
}

func docStage(raw any) (*models.StageDef, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a map")
	}
	stage := &models.StageDef{
		Name:     docString(m, "name"),
		Parallel: docBool(m, "parallel"),
	}
	if raw, ok := m["when"]; ok {
		cond, err := docCondition(raw)
		if err != nil {
			return nil, err
		}
		stage.Condition = cond
	}
	if raw, ok := m["container"]; ok {
		c, err := docContainer(raw)
		if err != nil {
			return nil, err
		}
		stage.Container = c
	}
	if raw, ok := m["approval"]; ok {
		am, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("approval must be a map")
		}
		stage.Approval = &models.ApprovalSpec{
			RequiredRole:   docString(am, "required_role"),
			ApproverGroup:  docStringSlice(am, "approver_group"),
			MinApprovals:   docInt(am, "min_approvals"),
			TimeoutMinutes: docInt(am, "timeout_minutes"),
		}
	}
	stepsRaw, _ := m["steps"].([]any)
	for i, s := range stepsRaw {
		step, err := docStep(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		stage.Steps = append(stage.Steps, step)
	}
	return stage, nil
}

func docPost(raw any) (*models.PostActions, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("post must be a map")
	}
	post := &models.PostActions{}
	for key, dst := range map[string]*models.Steps{
		"always":     &post.Always,
		"on_success": &post.OnSuccess,
		"on_failure": &post.OnFailure,
	} {
		list, _ := m[key].([]any)
		for i, s := range list {
			step, err := docStep(s)
			if err != nil {
				return nil, fmt.Errorf("post %s %d: %w", key, i, err)
			}
			*dst = append(*dst, step)
		}
	}
	return post, nil
}

func docStep(raw any) (models.Step, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a map")
	}
	common := models.StepCommon{
		Name:            docString(m, "name"),
		Command:         docString(m, "run"),
		Env:             docStringMap(m, "env"),
		Dir:             docString(m, "dir"),
		ContinueOnError: docBool(m, "continue_on_error"),
		Secrets:         docStringSlice(m, "secrets"),
	}
	if raw, ok := m["timeout"]; ok {
		d, err := docTimeout(raw)
		if err != nil {
			return nil, err
		}
		common.Timeout = d
	}
	if raw, ok := m["when"]; ok {
		cond, err := docCondition(raw)
		if err != nil {
			return nil, err
		}
		common.Condition = cond
	}

	if kind := docString(m, "kind"); kind != "" &&
		kind != string(models.StepKindShell) &&
		kind != string(models.StepKindDocker) &&
		kind != string(models.StepKindCompose) {
		cfg, _ := m["config"].(map[string]any)
		return &models.PluginStep{StepCommon: common, Kind: models.StepKind(kind), Config: cfg}, nil
	}
	if composeFile := docString(m, "compose_file"); composeFile != "" {
		return &models.ComposeStep{
			StepCommon:  common,
			ComposeFile: composeFile,
			Service:     docString(m, "service"),
		}, nil
	}
	if image := docString(m, "image"); image != "" {
		return &models.DockerStep{
			StepCommon: common,
			Image:      image,
			Volumes:    docStringSlice(m, "volumes"),
			Workdir:    docString(m, "workdir"),
			Network:    docString(m, "network"),
			PullPolicy: models.PullPolicy(docString(m, "pull_policy")),
		}, nil
	}
	return &models.ShellStep{StepCommon: common}, nil
}

func docCondition(raw any) (*models.Condition, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("when must be a map")
	}
	cond := &models.Condition{Negate: docBool(m, "negate")}
	switch {
	case docString(m, "branch") != "":
		cond.Kind = models.ConditionBranch
		cond.Branch = docString(m, "branch")
	case docString(m, "param") != "":
		cond.Kind = models.ConditionParam
		cond.Param = docString(m, "param")
		cond.Equals = docString(m, "equals")
	default:
		return nil, fmt.Errorf("when requires branch or param")
	}
	return cond, nil
}

func docContainer(raw any) (*models.ContainerSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("container must be a map")
	}
	return &models.ContainerSpec{
		Image:      docString(m, "image"),
		Env:        docStringMap(m, "env"),
		Volumes:    docStringSlice(m, "volumes"),
		Workdir:    docString(m, "workdir"),
		PullPolicy: models.PullPolicy(docString(m, "pull_policy")),
	}, nil
}

func docParameters(raw any) ([]models.ParameterSpec, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parameters must be a list")
	}
	out := make([]models.ParameterSpec, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %d: must be a map", i)
		}
		out = append(out, models.ParameterSpec{
			Name:    docString(m, "name"),
			Default: docString(m, "default"),
		})
	}
	return out, nil
}

// docTriggers maps the workflow `on` block: on.push.branches and
// on.schedule[].interval.
func docTriggers(raw any) (*models.TriggerSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("on must be a map")
	}
	trig := &models.TriggerSpec{}
	if push, ok := m["push"].(map[string]any); ok {
		trig.PushBranches = docStringSlice(push, "branches")
	}
	if schedules, ok := m["schedule"].([]any); ok {
		for i, s := range schedules {
			sm, ok := s.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("schedule %d: must be a map", i)
			}
			if expr := docString(sm, "interval"); expr != "" {
				trig.Schedules = append(trig.Schedules, expr)
			}
		}
	}
	return trig, nil
}

// docTimeout accepts a millisecond count or a duration string ("90s").
// An explicit non-positive timeout is invalid.
func docTimeout(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case int:
		if v <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		if v <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		if v <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("bad timeout %q: %w", v, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("timeout must be positive")
		}
		return d, nil
	default:
		return 0, fmt.Errorf("timeout must be a number of milliseconds or a duration string")
	}
}

func docString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func docBool(m map[string]any, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

func docInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func docStringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func docStringMap(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
