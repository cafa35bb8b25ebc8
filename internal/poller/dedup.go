package poller

import (
	"context"
	"time"

	"classbot/internal/domain"
	"classbot/internal/storage"
	"classbot/pkg/logx"
)

// DedupFilter keeps only events the user has not been notified about.
//
// Each novel event is marked seen *before* it is handed to delivery: a crash
// between marking and delivering loses at most one notification and never
// duplicates one. Under-notifying beats spamming.
type DedupFilter struct {
	seen storage.SeenStore
	log  logx.Logger
}

func NewDedupFilter(seen storage.SeenStore, log logx.Logger) *DedupFilter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DedupFilter{seen: seen, log: log}
}

// Filter returns the novel subset of events, in input order. A store error
// aborts the filter (nothing can be judged novel without persistence);
// events already accepted before the error are returned with it.
func (f *DedupFilter) Filter(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	now := time.Now().UTC()
	var novel []domain.Event
	for _, e := range events {
		seen, err := f.seen.HasSeen(ctx, e.UserID, e.Kind, e.SourceID, e.SourceVersion)
		if err != nil {
			return novel, err
		}
		if seen {
			continue
		}
		if err := f.seen.MarkSeen(ctx, e.UserID, e.Kind, e.SourceID, e.SourceVersion, now); err != nil {
			return novel, err
		}
		novel = append(novel, e)
	}
	return novel, nil
}
