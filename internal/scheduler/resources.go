package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/ryrobes/larsql-sub001/internal/cache"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/registry"
)

// acquireLLM/releaseLLM bound concurrent LLM calls process-wide, additionally rate-limited when an x/time/rate
// limiter is configured.
func (s *Scheduler) acquireLLM(ctx context.Context) error {
	if s.opts.Semaphores.LLMLimiter != nil {
		if err := s.opts.Semaphores.LLMLimiter.Wait(ctx); err != nil {
			return cerrs.New(cerrs.KindCancelled, "scheduler.acquireLLM", err)
		}
	}
	if s.opts.Semaphores.LLM == nil {
		return nil
	}
	if err := s.opts.Semaphores.LLM.Acquire(ctx, 1); err != nil {
		return cerrs.New(cerrs.KindCancelled, "scheduler.acquireLLM", err)
	}
	return nil
}

func (s *Scheduler) releaseLLM() {
	if s.opts.Semaphores.LLM != nil {
		s.opts.Semaphores.LLM.Release(1)
	}
}

func (s *Scheduler) acquireBrowser(ctx context.Context) error {
	if s.opts.Semaphores.Browser == nil {
		return nil
	}
	if err := s.opts.Semaphores.Browser.Acquire(ctx, 1); err != nil {
		return cerrs.New(cerrs.KindCancelled, "scheduler.acquireBrowser", err)
	}
	return nil
}

func (s *Scheduler) releaseBrowser() {
	if s.opts.Semaphores.Browser != nil {
		s.opts.Semaphores.Browser.Release(1)
	}
}

func (s *Scheduler) acquireShell(ctx context.Context) error {
	if s.opts.Semaphores.Shell == nil {
		return nil
	}
	if err := s.opts.Semaphores.Shell.Acquire(ctx, 1); err != nil {
		return cerrs.New(cerrs.KindCancelled, "scheduler.acquireShell", err)
	}
	return nil
}

func (s *Scheduler) releaseShell() {
	if s.opts.Semaphores.Shell != nil {
		s.opts.Semaphores.Shell.Release(1)
	}
}

// acquireToolResource picks the semaphore bounding a tool by its name:
// browser automation and shell tools get their own small pools; everything
// else runs unbounded. Returns the matching release.
func (s *Scheduler) acquireToolResource(ctx context.Context, toolName string) (func(), error) {
	name := strings.ToLower(toolName)
	switch {
	case strings.Contains(name, "browser"):
		if err := s.acquireBrowser(ctx); err != nil {
			return nil, err
		}
		return s.releaseBrowser, nil
	case strings.Contains(name, "shell"), strings.Contains(name, "bash"), strings.Contains(name, "exec"):
		if err := s.acquireShell(ctx); err != nil {
			return nil, err
		}
		return s.releaseShell, nil
	default:
		return func() {}, nil
	}
}

// cachePolicyOf adapts a registry.CachePolicy into a
// cache.Policy for Key construction.
func cachePolicyOf(p *registry.CachePolicy) cache.Policy {
	return cache.Policy{
		Strategy:     cache.KeyStrategy(p.KeyStrategy),
		NamedArg:     p.KeyArg,
		CustomKeyFn:  p.CustomKeyFunc,
		TTL:          time.Duration(p.TTLSeconds) * time.Second,
		InvalidateOn: p.InvalidateOn,
	}
}

func cachePolicyTTL(p *registry.CachePolicy) time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

func cachePkgKey(tool string, args map[string]any, policy cache.Policy) (string, error) {
	return cache.Key(tool, args, policy)
}
