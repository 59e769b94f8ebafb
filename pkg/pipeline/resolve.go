package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/chengis/chengis/pkg/models"
)

// maxExtendsDepth bounds the template chain: a pipeline may extend a
// template that itself extends another, at most this many hops.
const maxExtendsDepth = 3

var (
	// ErrExtendsTooDeep is returned when a template chain exceeds
	// maxExtendsDepth hops.
	ErrExtendsTooDeep = errors.New("template chain too deep")

	// ErrExtendsCycle is returned when a template chain revisits a name.
	ErrExtendsCycle = errors.New("template chain cycle")
)

// TemplateLookup fetches a named template pipeline.
type TemplateLookup func(ctx context.Context, name string) (*models.Pipeline, error)

// Resolve flattens a pipeline's extends chain into a standalone pipeline.
// Merge rules: a stage in the extension whose name matches a template
// stage replaces it in place; new stages append in order; scalar fields
// prefer the extension; env merges with the extension winning per key;
// post actions merge per phase; artifacts and notify union. Resolving an
// already-flat pipeline returns it unchanged.
func Resolve(ctx context.Context, p *models.Pipeline, lookup TemplateLookup) (*models.Pipeline, error) {
	if p.Extends == "" {
		return p, nil
	}
	seen := map[string]bool{}
	if p.Name != "" {
		seen[p.Name] = true
	}
	return resolve(ctx, p, lookup, seen, 0)
}

func resolve(ctx context.Context, p *models.Pipeline, lookup TemplateLookup, seen map[string]bool, depth int) (*models.Pipeline, error) {
	if p.Extends == "" {
		return p, nil
	}
	if depth >= maxExtendsDepth {
		return nil, fmt.Errorf("%w: more than %d hops", ErrExtendsTooDeep, maxExtendsDepth)
	}
	if seen[p.Extends] {
		return nil, fmt.Errorf("%w: %s", ErrExtendsCycle, p.Extends)
	}
	seen[p.Extends] = true

	base, err := lookup(ctx, p.Extends)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", p.Extends, err)
	}
	base, err = resolve(ctx, base, lookup, seen, depth+1)
	if err != nil {
		return nil, err
	}
	return merge(base, p), nil
}

// merge layers ext over base and returns a new pipeline.
func merge(base, ext *models.Pipeline) *models.Pipeline {
	out := &models.Pipeline{
		Name:        pick(ext.Name, base.Name),
		Description: pick(ext.Description, base.Description),
		Env:         mergeEnv(base.Env, ext.Env),
		Artifacts:   union(base.Artifacts, ext.Artifacts),
	}

	out.Container = base.Container
	if ext.Container != nil {
		out.Container = ext.Container
	}
	out.Source = base.Source
	if ext.Source != nil {
		out.Source = ext.Source
	}
	out.Triggers = base.Triggers
	if ext.Triggers != nil {
		out.Triggers = ext.Triggers
	}
	out.Parameters = base.Parameters
	if len(ext.Parameters) > 0 {
		out.Parameters = ext.Parameters
	}
	out.RequiredLabels = union(base.RequiredLabels, ext.RequiredLabels)

	// Stage-name match replaces in place; unmatched extension stages
	// append in their declared order.
	out.Stages = make([]models.StageDef, len(base.Stages))
	copy(out.Stages, base.Stages)
	for _, stage := range ext.Stages {
		replaced := false
		for i := range out.Stages {
			if out.Stages[i].Name == stage.Name {
				out.Stages[i] = stage
				replaced = true
				break
			}
		}
		if !replaced {
			out.Stages = append(out.Stages, stage)
		}
	}

	out.Post = mergePost(base.Post, ext.Post)

	out.Notify = append(out.Notify, base.Notify...)
	for _, n := range ext.Notify {
		dup := false
		for _, have := range out.Notify {
			if have.Type == n.Type {
				dup = true
				break
			}
		}
		if !dup {
			out.Notify = append(out.Notify, n)
		}
	}
	return out
}

func mergePost(base, ext *models.PostActions) *models.PostActions {
	if base == nil {
		return ext
	}
	if ext == nil {
		return base
	}
	return &models.PostActions{
		Always:    append(append(models.Steps{}, base.Always...), ext.Always...),
		OnSuccess: append(append(models.Steps{}, base.OnSuccess...), ext.OnSuccess...),
		OnFailure: append(append(models.Steps{}, base.OnFailure...), ext.OnFailure...),
	}
}

func mergeEnv(base, ext map[string]string) map[string]string {
	if base == nil && ext == nil {
		return nil
	}
	out := make(map[string]string, len(base)+len(ext))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range ext {
		out[k] = v
	}
	return out
}

func union(base, ext []string) []string {
	var out []string
	have := map[string]bool{}
	for _, s := range base {
		if !have[s] {
			have[s] = true
			out = append(out, s)
		}
	}
	for _, s := range ext {
		if !have[s] {
			have[s] = true
			out = append(out, s)
		}
	}
	return out
}

func pick(ext, base string) string {
	if ext != "" {
		return ext
	}
	return base
}
