// ABOUTME: Background scheduler turning top-ranked topic suggestions into meetings
// ABOUTME: Periodically scans communication history per project and opens auto-generated discussions

package topics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley-gateway/internal/store"
)

// MeetingCreator opens a meeting for a suggestion. Implemented by
// meeting.Coordinator.
type MeetingCreator interface {
	Create(ctx context.Context, projectID, topic string, participants []string, mtype store.MeetingType, options []string) (*store.Meeting, error)
}

// Scheduler periodically analyzes each project's recent communications and
// creates an auto-generated meeting for the top suggestion. A per-topic
// cooldown keeps one busy thread from spawning a meeting every sweep.
type Scheduler struct {
	analyzer *Analyzer
	store    store.Store
	meetings MeetingCreator
	interval time.Duration
	cooldown time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	created map[string]time.Time // project + topic -> last creation
}

// NewScheduler wires a scheduler. interval controls the sweep cadence; the
// cooldown equals the analyzer's window so a topic fires at most once per
// window.
func NewScheduler(a *Analyzer, st store.Store, meetings MeetingCreator, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		analyzer: a,
		store:    st,
		meetings: meetings,
		interval: interval,
		cooldown: a.cfg.Window,
		logger:   logger.With("component", "topics"),
		created:  make(map[string]time.Time),
	}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("topic scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("topic scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one analysis pass over every project. Exported so operators can
// trigger it on demand through the control API.
func (s *Scheduler) Sweep(ctx context.Context) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.logger.Warn("listing projects failed", "error", err)
		return
	}
	since := time.Now().UTC().Add(-s.analyzer.cfg.Window)
	for _, p := range projects {
		comms, err := s.store.ListCommunications(ctx, p.ID, since, 1000)
		if err != nil {
			s.logger.Warn("listing communications failed", "project_id", p.ID, "error", err)
			continue
		}
		s.considerProject(ctx, p.ID, s.analyzer.Analyze(comms))
	}
}

// considerProject opens a meeting for the best actionable suggestion: it
// needs at least two participants and must be outside its cooldown.
func (s *Scheduler) considerProject(ctx context.Context, projectID string, suggestions []SuggestedTopic) {
	now := time.Now().UTC()
	for _, sg := range suggestions {
		if len(sg.Participants) < 2 {
			continue
		}
		key := projectID + "|" + sg.Topic
		s.mu.Lock()
		last, seen := s.created[key]
		if seen && now.Sub(last) < s.cooldown {
			s.mu.Unlock()
			continue
		}
		s.created[key] = now
		s.mu.Unlock()

		m, err := s.meetings.Create(ctx, projectID, sg.Topic, sg.Participants, store.MeetingAutoGenerated, nil)
		if err != nil {
			s.logger.Warn("auto meeting creation failed", "project_id", projectID, "topic", sg.Topic, "error", err)
			s.mu.Lock()
			delete(s.created, key)
			s.mu.Unlock()
			return
		}
		s.logger.Info("auto meeting created", "meeting_id", m.ID, "project_id", projectID,
			"topic", sg.Topic, "participants", len(sg.Participants), "score", sg.Score)
		return
	}
}
