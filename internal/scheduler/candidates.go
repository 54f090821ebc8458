package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	ctxmgr "github.com/ryrobes/larsql-sub001/internal/context"
	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
)

// candidateOutcome is one fanned-out attempt's result, tracked so the
// select/aggregate/reforge logic can inspect every candidate uniformly.
type candidateOutcome struct {
	index  int
	result any
	err    error
}

// runCandidates fans a cell out into N candidates, mutating prompts and
// round-robining models, then resolves them via select or aggregate mode,
// optionally iterating further "reforge" rounds seeded by the winner.
// Children run as an errgroup bounded by the scheduler's MaxParallel.
func (s *Scheduler) runCandidates(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history *[]ctxmgr.TurnRecord) (any, error) {
	spec := cell.Candidates
	factor, err := renderFactor(spec.Factor, echo)
	if err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runCandidates", err)
	}
	if factor <= 0 {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.runCandidates",
			fmt.Errorf("cell %q: candidates.factor resolved to %d, must be > 0", cell.Name, factor))
	}
	if factor == 1 {
		// A single candidate is just the cell itself: no selector, no
		// fan-out events.
		single := mutateCandidate(cell, 0)
		return s.runSingleCell(ctx, def, single, idx, echo, history)
	}

	outcomes, err := s.fanOut(ctx, def, cell, idx, echo, *history, factor, 0)
	if err != nil {
		return nil, err
	}

	winner, winnerIdx, werr := s.resolveCandidates(ctx, cell, outcomes)
	if werr != nil {
		return nil, werr
	}
	s.emitSelection(def, cell, echo, winnerIdx, 0)

	for step := 1; step <= spec.Reforge; step++ {
		seeded := seedFromWinner(cell, winner)
		outcomes, err = s.fanOut(ctx, def, seeded, idx, echo, *history, factor, step)
		if err != nil {
			return nil, err
		}
		winner, winnerIdx, werr = s.resolveCandidates(ctx, seeded, outcomes)
		if werr != nil {
			return nil, werr
		}
		s.emitSelection(def, cell, echo, winnerIdx, step)
	}
	return winner, nil
}

// emitSelection records the winning candidate; aggregate resolutions have
// no single winner and emit a selection without an index.
func (s *Scheduler) emitSelection(def *cascade.Definition, cell *cascade.Cell, echo *cascade.Echo, winnerIdx, reforgeStep int) {
	b := eventlog.New(eventlog.NodeSelection).Session(echo.SessionID).Cascade(def.ID).Cell(cell.Name).
		Caller(echo.CallerID).Depth(echo.Depth).Reforge(reforgeStep)
	if winnerIdx >= 0 {
		b = b.Candidate(winnerIdx).Winner(true)
	}
	s.emit(b.Build())
}

// fanOut runs `factor` concurrent attempts of cell, bounded by
// Scheduler.opts.MaxParallel, applying mutation/model round-robin per
// candidate index.
func (s *Scheduler) fanOut(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history []ctxmgr.TurnRecord, factor, reforgeStep int) ([]candidateOutcome, error) {
	outcomes := make([]candidateOutcome, factor)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	for i := 0; i < factor; i++ {
		i := i
		g.Go(func() error {
			candidateCell := mutateCandidate(cell, i)
			hist := append([]ctxmgr.TurnRecord(nil), history...)
			result, err := s.runSingleCell(gctx, def, candidateCell, idx, echo, &hist)
			outcomes[i] = candidateOutcome{index: i, result: result, err: err}
			s.emit(eventlog.New(eventlog.NodeCandidateComplete).Session(echo.SessionID).Cascade(def.ID).Cell(cell.Name).
				Caller(echo.CallerID).Depth(echo.Depth).Candidate(i).Reforge(reforgeStep).Build())
			return nil // a single candidate's failure never aborts its siblings
		})
	}
	_ = g.Wait() // every goroutine returns nil; errors are captured per-outcome
	return outcomes, nil
}

// mutateCandidate clones cell with index-0 unmutated (the identity
// candidate) and later indices round-robined across Mutations/Models.
func mutateCandidate(cell *cascade.Cell, index int) *cascade.Cell {
	c := *cell
	c.Candidates = nil // avoid re-triggering fan-out inside a candidate attempt
	if index == 0 {
		return &c
	}
	if len(cell.Candidates.Models) > 0 {
		c.Model = cell.Candidates.Models[index%len(cell.Candidates.Models)]
	}
	if len(cell.Candidates.Mutations) > 0 {
		kind := cell.Candidates.Mutations[(index-1)%len(cell.Candidates.Mutations)]
		c.Instructions = applyMutation(cell.Instructions, kind)
	}
	return &c
}

// applyMutation perturbs a cell's instructions per a named mutation kind.
// Concrete mutation kinds are cascade-author-defined strings (e.g.
// "rephrase", "temperature_high", "alternate_persona"); the scheduler only
// guarantees each candidate past index 0 sees a distinguishable prompt
// variant tagged with its kind.
func applyMutation(instructions, kind string) string {
	return fmt.Sprintf("%s\n\n[candidate variant: %s]", instructions, kind)
}

// resolveCandidates applies the cell's candidate mode: select invokes
// the configured selector skill from the registry to choose a winner; aggregate
// merges every successful candidate's result into a list.
func (s *Scheduler) resolveCandidates(ctx context.Context, cell *cascade.Cell, outcomes []candidateOutcome) (any, int, error) {
	succeeded := make([]candidateOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err == nil {
			succeeded = append(succeeded, o)
		}
	}
	if len(succeeded) == 0 {
		return nil, -1, cerrs.New(cerrs.KindToolExecution, "scheduler.resolveCandidates",
			fmt.Errorf("cell %q: all %d candidates failed", cell.Name, len(outcomes)))
	}

	switch cell.Candidates.Mode {
	case cascade.ModeAggregate:
		results := make([]any, len(succeeded))
		for i, o := range succeeded {
			results[i] = o.result
		}
		return results, -1, nil
	default: // select
		return s.selectWinner(ctx, cell, succeeded)
	}
}

// selectWinner returns the winning result and its original candidate index.
func (s *Scheduler) selectWinner(ctx context.Context, cell *cascade.Cell, succeeded []candidateOutcome) (any, int, error) {
	if cell.Candidates.Selector == "" || len(succeeded) == 1 {
		return succeeded[0].result, succeeded[0].index, nil
	}
	sk, err := s.opts.Registry.Get(cell.Candidates.Selector)
	if err != nil {
		return nil, -1, err
	}
	candidates := make([]any, len(succeeded))
	for i, o := range succeeded {
		candidates[i] = o.result
	}
	out, err := sk.Invoke(ctx, map[string]any{"candidates": candidates})
	if err != nil {
		return nil, -1, cerrs.New(cerrs.KindToolExecution, "scheduler.selectWinner", err)
	}
	verdict, ok := out.(map[string]any)
	if !ok {
		return succeeded[0].result, succeeded[0].index, nil
	}
	wi := 0
	switch v := verdict["winner_index"].(type) {
	case float64:
		wi = int(v)
	case int:
		wi = v
	}
	if wi < 0 || wi >= len(succeeded) {
		wi = 0
	}
	return succeeded[wi].result, succeeded[wi].index, nil
}

// seedFromWinner builds the next reforge round's cell, feeding the prior
// winner back via instructions so candidates refine rather than restart
// from scratch.
func seedFromWinner(cell *cascade.Cell, winner any) *cascade.Cell {
	c := *cell
	c.Instructions = fmt.Sprintf("%s\n\nPrevious best attempt:\n%v\n\nImprove on it.", cell.Instructions, winner)
	return &c
}
