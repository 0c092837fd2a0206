// Package scheduler refreshes sources on their cron cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
)

// Disabled as a source cron turns scheduled updates off for that source.
const Disabled = "off"

// Sources is the part of the source service the scheduler drives.
type Sources interface {
	List() ([]models.Source, error)
	Update(ctx context.Context, id uint) (*services.UpdateResult, error)
}

type entry struct {
	spec string
	id   cron.EntryID
}

// Scheduler keeps one cron entry per source. Sync reconciles the entries with
// the stored sources; it is safe to call at any time.
type Scheduler struct {
	sources     Sources
	defaultSpec string
	maxElapsed  time.Duration
	newBackOff  func() backoff.BackOff

	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[uint]entry
}

// New returns a stopped scheduler. defaultSpec applies to sources without their
// own cron; maxElapsed bounds the retries of one run.
func New(sources Sources, defaultSpec string, maxElapsed time.Duration) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	cronLog := cron.PrintfLogger(logger.Log().WithField("component", "scheduler"))
	return &Scheduler{
		sources:     sources,
		defaultSpec: defaultSpec,
		maxElapsed:  maxElapsed,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 5 * time.Second
			bo.MaxInterval = 2 * time.Minute
			return bo
		},
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
		parser:  parser,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uint]entry),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Log().WithField("default_cron", s.defaultSpec).Info("Source scheduler started")
}

// Stop cancels running updates and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Log().Info("Source scheduler stopped")
}

func (s *Scheduler) specFor(src models.Source) string {
	spec := strings.TrimSpace(src.UpdateCron)
	if spec == "" {
		spec = strings.TrimSpace(s.defaultSpec)
	}
	if spec == "" || spec == Disabled {
		return ""
	}
	return spec
}

// Sync adds, replaces and removes entries to match the stored sources. Sources
// with an invalid cron are skipped and reported in the returned error.
func (s *Scheduler) Sync() error {
	sources, err := s.sources.List()
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	seen := make(map[uint]bool, len(sources))
	for _, src := range sources {
		seen[src.ID] = true
		spec := s.specFor(src)
		current, scheduled := s.entries[src.ID]
		if scheduled && current.spec == spec {
			continue
		}
		if scheduled {
			s.cron.Remove(current.id)
			delete(s.entries, src.ID)
		}
		if spec == "" {
			continue
		}

		sched, err := s.parser.Parse(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: invalid cron %q: %w", src.Name, spec, err))
			continue
		}
		id, name := src.ID, src.Name
		entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.Run(s.ctx, id); err != nil {
				logger.Log().WithError(err).WithField("source", name).Warn("Scheduled source update failed")
			}
		}))
		s.entries[src.ID] = entry{spec: spec, id: entryID}
	}

	for id, e := range s.entries {
		if !seen[id] {
			s.cron.Remove(e.id)
			delete(s.entries, id)
		}
	}
	return errors.Join(errs...)
}

// Entries returns the cron spec scheduled for each source.
func (s *Scheduler) Entries() map[uint]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.spec
	}
	return out
}

// Next returns when the source is refreshed next, zero when it is not scheduled
// or the scheduler is not running.
func (s *Scheduler) Next(sourceID uint) time.Time {
	s.mu.Lock()
	e, ok := s.entries[sourceID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

// Run updates one source, retrying retryable fetch failures with exponential backoff.
func (s *Scheduler) Run(ctx context.Context, sourceID uint) (*services.UpdateResult, error) {
	log := logger.Log().WithField("source_id", sourceID)
	op := func() (*services.UpdateResult, error) {
		res, err := s.sources.Update(ctx, sourceID)
		if err != nil && !rerrors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next.String()).Info("Retrying source update")
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(s.maxElapsed),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"source": res.Source, "changed": res.Changed}).Debug("Scheduled update finished")
	return res, nil
}
