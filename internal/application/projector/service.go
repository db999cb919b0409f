package projector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/event"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
)

// Sink receives every newly projected event. Sink failures are logged and
// never block projection; a sink that needs durability must retry on its
// own.
type Sink interface {
	Publish(ctx context.Context, e event.Event) error
}

// SyncStatus describes the projector's position in the ledger event log.
type SyncStatus struct {
	LastSyncedBlock uint64    `json:"lastSyncedBlock"`
	LastSyncAt      time.Time `json:"lastSyncAt,omitempty"`
	EventCount      int       `json:"eventCount"`
	LastError       string    `json:"lastError,omitempty"`
}

// Service projects the ledger's event log into typed history. On a sync
// failure the previously projected history is retained and served as is;
// recovery is an explicit Refetch, never an automatic retry.
type Service struct {
	client  ledger.Client
	metrics *metrics.EscrowMetrics
	log     zerolog.Logger
	sinks   []Sink

	mu        sync.RWMutex
	events    []event.Event
	nextBlock uint64
	status    SyncStatus
}

// NewService creates the event projector.
func NewService(client ledger.Client, m *metrics.EscrowMetrics, logger zerolog.Logger, sinks ...Sink) *Service {
	return &Service{
		client:  client,
		metrics: m,
		log:     logger.With().Str("service", "projector").Logger(),
		sinks:   sinks,
	}
}

// Sync pulls new ledger events since the last synced block. On error the
// projected history stays untouched and the error is recorded; callers see
// it in GetEventSyncStatus.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Service) syncLocked(ctx context.Context) error {
	raw, err := s.client.GetLogs(ctx, s.nextBlock)
	if err != nil {
		s.status.LastError = err.Error()
		s.log.Error().Err(err).Uint64("fromBlock", s.nextBlock).
			Msg("event sync failed, serving last known history")
		return fmt.Errorf("sync events from block %d: %w", s.nextBlock, err)
	}

	fresh := make([]event.Event, 0, len(raw))
	for _, r := range raw {
		payload, err := event.DecodePayload(r.Kind, r.Data)
		if err != nil {
			// A known kind with a malformed body still becomes part of
			// history, as an unknown payload carrying the raw bytes.
			s.log.Warn().Str("kind", r.Kind).Str("txHash", r.TxHash).Err(err).
				Msg("event payload decode failed")
			payload = event.UnknownPayload{RawKind: r.Kind, Data: r.Data}
		}
		kind := payload.EventKind()
		if kind == event.KindUnknown {
			s.log.Debug().Str("rawKind", r.Kind).Msg("unknown event kind retained")
		}
		s.metrics.RecordEventProjected(string(kind))
		fresh = append(fresh, event.Event{
			Kind:        kind,
			PGAID:       r.PGAID,
			BlockNumber: r.BlockNumber,
			LogIndex:    r.LogIndex,
			TxHash:      r.TxHash,
			Timestamp:   r.Timestamp,
			Payload:     payload,
		})
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].BlockNumber != fresh[j].BlockNumber {
			return fresh[i].BlockNumber < fresh[j].BlockNumber
		}
		return fresh[i].LogIndex < fresh[j].LogIndex
	})

	s.events = append(s.events, fresh...)
	if n := len(fresh); n > 0 {
		s.nextBlock = fresh[n-1].BlockNumber + 1
	}
	s.status = SyncStatus{
		LastSyncedBlock: s.nextBlock,
		LastSyncAt:      time.Now().UTC(),
		EventCount:      len(s.events),
	}

	for _, e := range fresh {
		s.publish(ctx, e)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			s.log.Warn().Err(err).Str("kind", string(e.Kind)).Str("pgaId", e.PGAID).
				Msg("event sink publish failed")
		}
	}
}

// GetHistory returns the projected event history for one agreement in
// emission order. While the projector is in an error state the last
// successfully synced history is served unchanged.
func (s *Service) GetHistory(ctx context.Context, pgaID string) ([]event.Event, error) {
	s.mu.Lock()
	if s.status.LastError == "" {
		// Healthy: opportunistically pick up new events. A failure here
		// flips the projector into its error state but still serves the
		// retained history below.
		_ = s.syncLocked(ctx)
	}
	events := s.events
	s.mu.Unlock()

	out := make([]event.Event, 0)
	for _, e := range events {
		if e.PGAID == pgaID {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetEventSyncStatus reports the projector's sync position and health.
func (s *Service) GetEventSyncStatus() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Refetch discards all projected history and rebuilds it from block zero.
// This is the only recovery path out of a sync error.
func (s *Service) Refetch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.nextBlock = 0
	s.status = SyncStatus{}
	s.log.Info().Msg("refetching event history from block zero")
	return s.syncLocked(ctx)
}

// Run syncs on a fixed interval until the context is canceled. Once a sync
// fails the loop idles; it resumes only after a successful Refetch clears
// the error state.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.status.LastError == "" {
				_ = s.syncLocked(ctx)
			}
			s.mu.Unlock()
		}
	}
}
