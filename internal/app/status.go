package app

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tickrelay/internal/schema"
)

// Section names carried by status reports.
const (
	SectionCoordinator = "coordinator"
	SectionDelivery    = "delivery"
	SectionDecoder     = "decoder"
	SectionPreload     = "preload"
	SectionPipeline    = "pipeline"
	SectionAggregator  = "aggregator"
	SectionBridge      = "bridge"
	SectionIngress     = "ingress"
	SectionHealth      = "health"
	SectionProcess     = "process"
)

type sink interface {
	Enqueue(msg schema.Outbound) bool
}

// statusReporter assembles statusReport payloads from registered component
// snapshots. Sections are evaluated lazily at report time.
type statusReporter struct {
	session string
	started time.Time
	clock   func() time.Time
	out     sink

	mu       sync.RWMutex
	sections map[string]func() any
}

func newStatusReporter(out sink, clock func() time.Time) *statusReporter {
	if clock == nil {
		clock = time.Now
	}
	return &statusReporter{
		session:  uuid.NewString(),
		started:  clock(),
		clock:    clock,
		out:      out,
		sections: make(map[string]func() any),
	}
}

func (s *statusReporter) register(name string, snapshot func() any) {
	s.mu.Lock()
	s.sections[name] = snapshot
	s.mu.Unlock()
}

// Build renders a report. Unknown section names are ignored; no names means
// every registered section.
func (s *statusReporter) Build(reason string, sections ...string) schema.StatusReportPayload {
	now := s.clock()
	s.mu.RLock()
	names := sections
	if len(names) == 0 {
		names = make([]string, 0, len(s.sections))
		for name := range s.sections {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	snapshots := make(map[string]func() any, len(names))
	for _, name := range names {
		if fn, ok := s.sections[name]; ok {
			snapshots[name] = fn
		}
	}
	s.mu.RUnlock()

	components := make(map[string]any, len(snapshots))
	for name, fn := range snapshots {
		components[name] = fn()
	}
	return schema.StatusReportPayload{
		Timestamp:     now.UnixMilli(),
		Session:       s.session,
		UptimeSeconds: now.Sub(s.started).Round(time.Second).Seconds(),
		Reason:        reason,
		Components:    components,
	}
}

// Report enqueues a report and reports whether delivery accepted it.
func (s *statusReporter) Report(reason string, sections ...string) bool {
	return s.out.Enqueue(schema.NewOutbound(s.Build(reason, sections...)))
}

func (s *statusReporter) buildAll(reason string) schema.StatusReportPayload {
	return s.Build(reason)
}
