package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ryrobes/larsql-sub001/internal/agentloop"
	"github.com/ryrobes/larsql-sub001/internal/budget"
	ctxmgr "github.com/ryrobes/larsql-sub001/internal/context"
	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
	"github.com/ryrobes/larsql-sub001/internal/model"
	"github.com/ryrobes/larsql-sub001/internal/registry"
)

// runSingleCell dispatches one cell by kind. It is
// the non-fan-out execution path; runCandidates calls it once per candidate
// when a cell declares candidates.
func (s *Scheduler) runSingleCell(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history *[]ctxmgr.TurnRecord) (any, error) {
	switch cell.Kind {
	case cascade.CellAgent:
		return s.runAgentCell(ctx, def, cell, idx, echo, *history)
	case cascade.CellTool:
		return s.runToolCell(ctx, cell, echo)
	case cascade.CellSQL:
		return s.runExecCell(ctx, s.opts.SQLExec, cell, echo)
	case cascade.CellPy:
		return s.runExecCell(ctx, s.opts.PyExec, cell, echo)
	case cascade.CellJS:
		return s.runExecCell(ctx, s.opts.JSExec, cell, echo)
	case cascade.CellRun:
		return s.runSubCascade(ctx, def, cell, echo)
	case cascade.CellMap:
		return s.runMapCell(ctx, def, cell, echo)
	default:
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runSingleCell", fmt.Errorf("unknown cell kind %q", cell.Kind))
	}
}

// runAgentCell assembles context, resolves the model and tool set, and
// drives the agent loop for an `agent`-kind cell.
func (s *Scheduler) runAgentCell(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history []ctxmgr.TurnRecord) (any, error) {
	if err := s.acquireLLM(ctx); err != nil {
		return nil, err
	}
	defer s.releaseLLM()

	messages, err := s.opts.ContextManager.Assemble(ctx, def, cell, idx, echo, history)
	if err != nil {
		return nil, err
	}
	var system *model.Message
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		system, messages = messages[0], messages[1:]
	}

	tools, skills, err := s.resolveTools(ctx, cell, messages)
	if err != nil {
		return nil, err
	}

	client, err := s.opts.Models(cell.Model, model.ModelClassDefault)
	if err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runAgentCell", err)
	}

	maxTurns := cell.Rules.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	result, err := agentloop.Run(ctx, agentloop.Options{
		Client:        client,
		Model:         cell.Model,
		System:        system,
		Messages:      messages,
		Tools:         tools,
		MaxTurns:      maxTurns,
		PromptMode:    s.opts.PromptModeFor != nil && s.opts.PromptModeFor(cell.Model),
		Budgeter:      s.budgeterFor(def, cell),
		ParallelTools: cell.Rules.ParallelTools,
		Executor:      s.toolExecutor(ctx, skills, cell, echo),
		Logger:        s.opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	if err := ctxmgr.ExtractOutputs(cell, result.FinalContent, echo); err != nil {
		return nil, err
	}
	return result.FinalContent, nil
}

func (s *Scheduler) budgeterFor(def *cascade.Definition, cell *cascade.Cell) *budget.Budgeter {
	spec := def.TokenBudget
	if spec == nil {
		return nil
	}
	reg := budget.NewRegistry()
	return &budget.Budgeter{
		Tokenizer:     reg.For(cell.Model),
		MaxTotal:      spec.MaxTotal,
		ReserveOutput: spec.ReserveOutput,
		Strategy:      budget.Strategy(spec.Strategy),
	}
}

// resolveTools builds the tool-call schema list for this turn: an explicit
// trait list, or, in manifest mode (Manifest set or Traits exactly
// ["manifest"]), the skills ResolveManifest returns. No embedder or picker
// is passed, so manifest mode runs no prefilter or pick and offers every
// registered skill.
func (s *Scheduler) resolveTools(ctx context.Context, cell *cascade.Cell, messages []*model.Message) ([]*model.ToolDefinition, []*registry.Skill, error) {
	var names []string
	if cell.Manifest || (len(cell.Traits) == 1 && cell.Traits[0] == "manifest") {
		query := ""
		for _, m := range messages {
			for _, p := range m.Parts {
				if tp, ok := p.(model.TextPart); ok {
					query += tp.Text
				}
			}
		}
		resolved, err := s.opts.Registry.ResolveManifest(ctx, query, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		for _, sk := range resolved {
			names = append(names, sk.Name)
		}
	} else {
		names = cell.Traits
	}

	var tools []*model.ToolDefinition
	var skills []*registry.Skill
	for _, name := range names {
		sk, err := s.opts.Registry.Get(name)
		if err != nil {
			return nil, nil, err
		}
		tools = append(tools, &model.ToolDefinition{Name: sk.Name, Description: "", InputSchema: sk.RawSchema})
		skills = append(skills, sk)
	}
	return tools, skills, nil
}

// toolExecutor binds the agent loop's ToolExecutor to the registry and
// cache: when a Cache is configured and the skill's cache policy is
// enabled, the call is resolved through GetOrBuild so identical concurrent
// calls coalesce; otherwise the skill is invoked directly.
func (s *Scheduler) toolExecutor(ctx context.Context, skills []*registry.Skill, cell *cascade.Cell, echo *cascade.Echo) agentloop.ToolExecutor {
	byName := make(map[string]*registry.Skill, len(skills))
	for _, sk := range skills {
		byName[sk.Name] = sk
	}
	return func(ctx context.Context, name string, payload json.RawMessage) (any, error) {
		sk, ok := byName[name]
		if !ok {
			var err error
			sk, err = s.opts.Registry.Get(name)
			if err != nil {
				return nil, err
			}
		}
		var args map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, cerrs.New(cerrs.KindToolExecution, "scheduler.toolExecutor", err)
			}
		}
		release, err := s.acquireToolResource(ctx, name)
		if err != nil {
			return nil, err
		}
		defer release()
		s.emit(eventlog.New(eventlog.NodeToolCall).Session(echo.SessionID).Cascade(echo.CascadeID).Cell(cell.Name).Caller(echo.CallerID).
			Content(map[string]any{"tool": name, "args": args}).Build())

		if s.opts.Cache == nil || sk.CachePolicy == nil || !sk.CachePolicy.Enabled {
			return sk.Invoke(ctx, args)
		}
		policy := cachePolicyOf(sk.CachePolicy)
		key, err := cachePkgKey(name, args, policy)
		if err != nil {
			return nil, err
		}
		return s.opts.Cache.GetOrBuild(ctx, key, cachePolicyTTL(sk.CachePolicy), func(ctx context.Context) (any, error) {
			return sk.Invoke(ctx, args)
		})
	}
}

func (s *Scheduler) runToolCell(ctx context.Context, cell *cascade.Cell, echo *cascade.Echo) (any, error) {
	if len(cell.Traits) != 1 {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runToolCell",
			fmt.Errorf("cell %q: kind=tool requires exactly one entry in traits", cell.Name))
	}
	sk, err := s.opts.Registry.Get(cell.Traits[0])
	if err != nil {
		return nil, err
	}
	release, err := s.acquireToolResource(ctx, sk.Name)
	if err != nil {
		return nil, err
	}
	defer release()
	state, outputs := echo.Snapshot()
	args := map[string]any{"inputs": echo.Inputs, "state": state, "outputs": outputs}
	return sk.Invoke(ctx, args)
}

// runExecCell runs a sql/python/js cell body against the injected executor,
// recording the returned temp table name in Echo state under
// "_<cell_name>_table" when one is returned.
func (s *Scheduler) runExecCell(ctx context.Context, exec CellExecutor, cell *cascade.Cell, echo *cascade.Echo) (any, error) {
	if exec == nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runExecCell",
			fmt.Errorf("cell %q: kind=%s has no executor configured", cell.Name, cell.Kind))
	}
	result, tempTable, err := exec(ctx, cell, echo)
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "scheduler.runExecCell", err)
	}
	if tempTable != "" {
		echo.SetState("_"+cell.Name+"_table", tempTable)
	}
	return result, nil
}
