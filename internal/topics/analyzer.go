// ABOUTME: Topic analyzer deriving discussion suggestions from communication history
// ABOUTME: Clusters routed messages by correlation thread, type, and temporal proximity

package topics

import (
	"fmt"
	"sort"
	"time"

	"github.com/parley-dev/parley-gateway/internal/store"
)

// SuggestedTopic is one candidate discussion derived from message history,
// scored so callers can rank suggestions.
type SuggestedTopic struct {
	Topic         string
	Score         float64
	MessageCount  int
	Participants  []string // distinct sender identities, sorted
	CorrelationID string   // set when the cluster is a single reply thread
	MessageType   string
	FirstSeen     time.Time
	LastSeen      time.Time
}

// Config holds the analyzer's tunables.
type Config struct {
	MinClusterSize int           // clusters below this size are discarded
	Window         time.Duration // how far back history is considered
	ProximityGap   time.Duration // silence that splits a type cluster in two
}

// Analyzer derives topic suggestions from communication records. It holds no
// mutable state; Analyze is a pure function of its input and the clock.
type Analyzer struct {
	cfg Config
	now func() time.Time
}

// NewAnalyzer builds an analyzer, filling unset config fields with defaults.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.ProximityGap <= 0 {
		cfg.ProximityGap = 10 * time.Minute
	}
	return &Analyzer{cfg: cfg, now: time.Now}
}

// Analyze groups the given communications into clusters and returns scored
// suggestions, best first. Messages sharing a correlation ID form one thread
// cluster; the rest cluster by message type, split wherever senders went
// quiet for longer than the proximity gap. Returns an empty slice when no
// cluster reaches the minimum size.
func (a *Analyzer) Analyze(comms []*store.Communication) []SuggestedTopic {
	now := a.now().UTC()
	cutoff := now.Add(-a.cfg.Window)

	threads := make(map[string][]*store.Communication)
	var untracked []*store.Communication
	for _, c := range comms {
		if c.CreatedAt.Before(cutoff) {
			continue
		}
		if c.CorrelationID != "" {
			threads[c.CorrelationID] = append(threads[c.CorrelationID], c)
		} else {
			untracked = append(untracked, c)
		}
	}

	var suggestions []SuggestedTopic
	for correlationID, cluster := range threads {
		if len(cluster) < a.cfg.MinClusterSize {
			continue
		}
		s := a.summarize(cluster, now)
		s.CorrelationID = correlationID
		s.Topic = fmt.Sprintf("follow up on %s thread %s", s.MessageType, shortID(correlationID))
		suggestions = append(suggestions, s)
	}
	for _, cluster := range splitByProximity(groupByType(untracked), a.cfg.ProximityGap) {
		if len(cluster) < a.cfg.MinClusterSize {
			continue
		}
		s := a.summarize(cluster, now)
		s.Topic = fmt.Sprintf("recurring %s activity", s.MessageType)
		suggestions = append(suggestions, s)
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		if !suggestions[i].LastSeen.Equal(suggestions[j].LastSeen) {
			return suggestions[i].LastSeen.After(suggestions[j].LastSeen)
		}
		return suggestions[i].Topic < suggestions[j].Topic
	})
	return suggestions
}

// summarize computes the cluster's aggregate fields and score. Frequency
// drives the score; recency discounts it so stale bursts rank below fresh
// conversation.
func (a *Analyzer) summarize(cluster []*store.Communication, now time.Time) SuggestedTopic {
	s := SuggestedTopic{
		MessageCount: len(cluster),
		FirstSeen:    cluster[0].CreatedAt,
		LastSeen:     cluster[0].CreatedAt,
	}
	senders := make(map[string]bool)
	typeCounts := make(map[string]int)
	for _, c := range cluster {
		// Participants are agent identities, never session IDs: suggestions
		// feed meeting creation, and turns are taken by identity.
		sender := c.FromIdentity
		if sender == "" {
			sender = c.FromSession
		}
		senders[sender] = true
		typeCounts[c.MessageType]++
		if c.CreatedAt.Before(s.FirstSeen) {
			s.FirstSeen = c.CreatedAt
		}
		if c.CreatedAt.After(s.LastSeen) {
			s.LastSeen = c.CreatedAt
		}
	}
	for sender := range senders {
		s.Participants = append(s.Participants, sender)
	}
	sort.Strings(s.Participants)

	best := ""
	for mt, n := range typeCounts {
		if best == "" || n > typeCounts[best] || (n == typeCounts[best] && mt < best) {
			best = mt
		}
	}
	s.MessageType = best

	age := now.Sub(s.LastSeen)
	if age < 0 {
		age = 0
	}
	s.Score = float64(s.MessageCount) / (1 + age.Hours())
	return s
}

// groupByType buckets untracked messages by their message type.
func groupByType(comms []*store.Communication) map[string][]*store.Communication {
	buckets := make(map[string][]*store.Communication)
	for _, c := range comms {
		buckets[c.MessageType] = append(buckets[c.MessageType], c)
	}
	return buckets
}

// splitByProximity cuts each type bucket into runs of messages separated by
// no more than gap, so two unrelated bursts of the same type do not merge.
func splitByProximity(buckets map[string][]*store.Communication, gap time.Duration) [][]*store.Communication {
	var clusters [][]*store.Communication
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool {
			return bucket[i].CreatedAt.Before(bucket[j].CreatedAt)
		})
		start := 0
		for i := 1; i <= len(bucket); i++ {
			if i == len(bucket) || bucket[i].CreatedAt.Sub(bucket[i-1].CreatedAt) > gap {
				clusters = append(clusters, bucket[start:i])
				start = i
			}
		}
	}
	return clusters
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
