package policy

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/chengis/chengis/pkg/models"
)

// matchesAny reports whether value matches any of the glob patterns.
// Patterns use path.Match syntax; a malformed pattern never matches.
func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, value); err == nil && ok {
			return true
		}
		if p == value {
			return true
		}
	}
	return false
}

// stringSlice pulls a []string out of a JSON-decoded config map.
func stringSlice(config map[string]any, key string) []string {
	raw, ok := config[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringValue(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

// BranchRestriction denies builds from branches outside the allowed
// set or inside the denied set. Deny wins over allow.
type BranchRestriction struct{}

func (*BranchRestriction) Kind() models.PolicyKind { return models.PolicyBranchRestriction }

func (*BranchRestriction) Evaluate(_ context.Context, in Input, config map[string]any) (Decision, error) {
	branch := in.Build.Branch
	if branch == "" {
		// Manual and scheduled builds without a branch are out of scope.
		return Allow, nil
	}
	if denied := stringSlice(config, "denied"); matchesAny(denied, branch) {
		return Deny("branch %q is denied", branch), nil
	}
	if allowed := stringSlice(config, "allowed"); len(allowed) > 0 && !matchesAny(allowed, branch) {
		return Deny("branch %q is not in the allowed set", branch), nil
	}
	return Allow, nil
}

// TimeWindow denies builds outside a configured local-time window.
// Config: timezone (IANA name), start/end ("15:04"), days (optional
// weekday names; empty means every day).
type TimeWindow struct {
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func (*TimeWindow) Kind() models.PolicyKind { return models.PolicyTimeWindow }

func (h *TimeWindow) Evaluate(_ context.Context, _ Input, config map[string]any) (Decision, error) {
	loc := time.UTC
	if tz := stringValue(config, "timezone"); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Decision{}, fmt.Errorf("bad timezone %q: %w", tz, err)
		}
	}
	start, err := parseClock(stringValue(config, "start"))
	if err != nil {
		return Decision{}, err
	}
	end, err := parseClock(stringValue(config, "end"))
	if err != nil {
		return Decision{}, err
	}

	nowFn := h.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().In(loc)

	if days := stringSlice(config, "days"); len(days) > 0 {
		if !matchesWeekday(days, now.Weekday()) {
			return Deny("outside deploy window: %s not allowed", now.Weekday()), nil
		}
	}

	minutes := now.Hour()*60 + now.Minute()
	inWindow := false
	if start <= end {
		inWindow = minutes >= start && minutes < end
	} else {
		// Window crosses midnight.
		inWindow = minutes >= start || minutes < end
	}
	if !inWindow {
		return Deny("outside deploy window %s", now.Format("15:04")), nil
	}
	return Allow, nil
}

func parseClock(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("time window requires start and end")
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func matchesWeekday(days []string, wd time.Weekday) bool {
	for _, d := range days {
		if len(d) >= 3 && wd.String()[:3] == d[:3] {
			return true
		}
	}
	return false
}

// DockerImage restricts the container images a pipeline may use. With no
// docker-image policy configured, any image runs; once one exists, its
// denied globs reject and non-empty allowed globs whitelist.
type DockerImage struct{}

func (*DockerImage) Kind() models.PolicyKind { return models.PolicyDockerImage }

func (*DockerImage) Evaluate(_ context.Context, in Input, config map[string]any) (Decision, error) {
	denied := stringSlice(config, "denied")
	allowed := stringSlice(config, "allowed")
	for _, image := range pipelineImages(in.Pipeline) {
		if matchesAny(denied, image) {
			return Deny("image %q is denied", image), nil
		}
		if len(allowed) > 0 && !matchesAny(allowed, image) {
			return Deny("image %q is not in the allowed set", image), nil
		}
	}
	return Allow, nil
}

// pipelineImages collects every container image referenced by a pipeline:
// pipeline-level container, stage containers, and docker steps.
func pipelineImages(p *models.Pipeline) []string {
	if p == nil {
		return nil
	}
	var images []string
	add := func(image string) {
		if image != "" {
			images = append(images, image)
		}
	}
	if p.Container != nil {
		add(p.Container.Image)
	}
	collect := func(steps models.Steps) {
		for _, s := range steps {
			if ds, ok := s.(*models.DockerStep); ok {
				add(ds.Image)
			}
		}
	}
	for _, st := range p.Stages {
		if st.Container != nil {
			add(st.Container.Image)
		}
		collect(st.Steps)
	}
	if p.Post != nil {
		collect(p.Post.Always)
		collect(p.Post.OnSuccess)
		collect(p.Post.OnFailure)
	}
	return images
}

// PluginTrust default-denies plugin steps: a plugin kind runs only when
// listed as trusted.
type PluginTrust struct{}

func (*PluginTrust) Kind() models.PolicyKind { return models.PolicyPluginTrust }

func (*PluginTrust) Evaluate(_ context.Context, in Input, config map[string]any) (Decision, error) {
	trusted := stringSlice(config, "trusted")
	for _, kind := range pluginKinds(in.Pipeline) {
		if !matchesAny(trusted, kind) {
			return Deny("plugin step kind %q is not trusted", kind), nil
		}
	}
	return Allow, nil
}

func pluginKinds(p *models.Pipeline) []string {
	if p == nil {
		return nil
	}
	var kinds []string
	collect := func(steps models.Steps) {
		for _, s := range steps {
			if ps, ok := s.(*models.PluginStep); ok {
				kinds = append(kinds, string(ps.Kind))
			}
		}
	}
	for _, st := range p.Stages {
		collect(st.Steps)
	}
	if p.Post != nil {
		collect(p.Post.Always)
		collect(p.Post.OnSuccess)
		collect(p.Post.OnFailure)
	}
	return kinds
}
