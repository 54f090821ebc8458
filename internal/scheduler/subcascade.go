package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"golang.org/x/sync/errgroup"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/config"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
)

// runSubCascade dispatches a `run`-kind cell: load the referenced cascade
// definition and execute it as a child session under the current caller,
// with the parent Echo threaded through for depth limiting and caller
// inheritance.
func (s *Scheduler) runSubCascade(ctx context.Context, parentDef *cascade.Definition, cell *cascade.Cell, parent *cascade.Echo) (any, error) {
	if s.opts.Loader == nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runSubCascade",
			fmt.Errorf("cell %q: kind=run requires a cascade loader", cell.Name))
	}
	path := config.ResolveCascadePath(parentDef.SourcePath, cell.CascadePath)
	def, err := s.opts.Loader(path)
	if err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runSubCascade", err)
	}

	inputs, err := renderInputsTemplate(cell.Body, parent)
	if err != nil {
		return nil, err
	}
	childSession := parent.SessionID + "." + cell.Name

	s.emit(eventlog.New(eventlog.NodeCellStart).Session(childSession).Cascade(def.ID).Caller(parent.CallerID).
		Depth(parent.Depth + 1).Build())

	childEcho, err := s.RunCascade(ctx, def, inputs, childSession, parent)
	if err != nil {
		return nil, err
	}
	if childEcho.Failed() {
		return nil, cerrs.New(cerrs.KindToolExecution, "scheduler.runSubCascade",
			fmt.Errorf("sub-cascade %q failed with %d unresolved errors", def.ID, len(childEcho.UnresolvedErrors)))
	}
	_, outputs := childEcho.Snapshot()
	return outputs, nil
}

// runMapCell fans a `map`-kind cell out over MapOver's resolved iterable,
// running cell.CascadePath once per element while preserving input order
// in the returned slice, bounded by cell.MaxParallel (falling back to the scheduler
// default).
func (s *Scheduler) runMapCell(ctx context.Context, parentDef *cascade.Definition, cell *cascade.Cell, parent *cascade.Echo) (any, error) {
	if s.opts.Loader == nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runMapCell",
			fmt.Errorf("cell %q: kind=map requires a cascade loader", cell.Name))
	}
	items, err := resolveIterable(cell.MapOver, parent)
	if err != nil {
		return nil, err
	}
	path := config.ResolveCascadePath(parentDef.SourcePath, cell.CascadePath)
	def, err := s.opts.Loader(path)
	if err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runMapCell", err)
	}

	limit := cell.MaxParallel
	if limit <= 0 {
		limit = s.opts.MaxParallel
	}

	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			childSession := fmt.Sprintf("%s.%s[%d]", parent.SessionID, cell.Name, i)
			inputs := map[string]any{"item": item, "index": i}
			childEcho, err := s.RunCascade(gctx, def, inputs, childSession, parent)
			if err != nil {
				return err
			}
			if childEcho.Failed() {
				return cerrs.New(cerrs.KindToolExecution, "scheduler.runMapCell",
					fmt.Errorf("map element %d: sub-cascade %q failed with %d unresolved errors", i, def.ID, len(childEcho.UnresolvedErrors)))
			}
			_, outputs := childEcho.Snapshot()
			results[i] = outputs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// renderInputsTemplate renders a `run` cell's body as the JSON object of
// inputs to hand the spawned sub-cascade.
func renderInputsTemplate(tmplSrc string, echo *cascade.Echo) (map[string]any, error) {
	if tmplSrc == "" {
		return nil, nil
	}
	rendered, err := renderGenericTemplate(tmplSrc, echo)
	if err != nil {
		return nil, err
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(rendered), &inputs); err != nil {
		return nil, fmt.Errorf("scheduler: run cell body did not render to a JSON object: %w", err)
	}
	return inputs, nil
}

// resolveIterable resolves MapOver as a dotted state/outputs/inputs
// reference and expects a []any bound there (the common case: a sql/tool
// cell populated state with a slice). Any other value is an error; MapOver
// is not rendered as a template or split on commas.
func resolveIterable(mapOver string, echo *cascade.Echo) ([]any, error) {
	state, outputs := echo.Snapshot()
	if v, ok := lookupDotted(mapOver, state, outputs, echo.Inputs); ok {
		if list, ok := v.([]any); ok {
			return list, nil
		}
		return nil, fmt.Errorf("scheduler: map_over %q did not resolve to a list", mapOver)
	}
	return nil, fmt.Errorf("scheduler: map_over %q not found in state/outputs/inputs", mapOver)
}

// lookupDotted resolves a "state.foo"/"outputs.cell"/"inputs.x" style
// reference directly; everything after the first dot is one key, so
// "outputs.cell.bar" looks up the key "cell.bar". It does not invoke
// text/template, since map_over must
// yield a real Go slice rather than a rendered string.
func lookupDotted(ref string, state, outputs, inputs map[string]any) (any, bool) {
	root, key, ok := splitDotted(ref)
	if !ok {
		return nil, false
	}
	switch root {
	case "state":
		v, ok := state[key]
		return v, ok
	case "outputs":
		v, ok := outputs[key]
		return v, ok
	case "inputs":
		v, ok := inputs[key]
		return v, ok
	default:
		return nil, false
	}
}

func splitDotted(ref string) (root, rest string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

func renderGenericTemplate(tmplSrc string, echo *cascade.Echo) (string, error) {
	t, err := template.New("inline").Parse(tmplSrc)
	if err != nil {
		return "", err
	}
	state, outputs := echo.Snapshot()
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any{"state": state, "outputs": outputs, "inputs": echo.Inputs}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
