package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
)

// DefaultRequestTimeout bounds a single route or optimize task.
const DefaultRequestTimeout = 30 * time.Second

// Config configures a Session.
type Config struct {
	ID             string // generated when empty
	Planner        Planner
	Renderer       Renderer // optional
	Geocoder       Geocoder // optional
	Trigger        Trigger
	RequestTimeout time.Duration
	Metrics        *Metrics
	Logger         zerolog.Logger
}

// task is one scheduled route or optimize call, tagged with the generation
// of the snapshot it was computed from.
type task struct {
	seq        uint64
	kind       optimizer.Kind
	generation uint64
	started    time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	// Written by complete before done is closed.
	outcome Outcome
	err     error
}

// Session owns one stop list and keeps the displayed route consistent with
// it. At most one task is relevant at a time: scheduling a task cancels the
// one in flight, and a result is only accepted when the stop list still has
// the generation the task was computed from.
type Session struct {
	id       string
	store    *stops.Store
	planner  Planner
	renderer Renderer
	geocoder Geocoder
	trigger  Trigger
	timeout  time.Duration
	metrics  *Metrics
	logger   zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	seq        uint64
	current    *task
	displayed  *optimizer.RouteResult
	outdated   bool // renderer was told displayed is outdated
	notice     *Notice
	lastActive time.Time
	closed     bool
}

// New creates a session with an empty stop list.
func New(cfg Config) *Session {
	return NewWithStore(cfg, stops.NewStore())
}

// NewWithStore creates a session around an existing store. The session must
// be the only writer of the store.
func NewWithStore(cfg Config, store *stops.Store) *Session {
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerRoute
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Renderer == nil {
		cfg.Renderer = nopRenderer{}
	}

	id := cfg.ID
	if id == "" {
		id = NewID()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:         id,
		store:      store,
		planner:    cfg.Planner,
		renderer:   cfg.Renderer,
		geocoder:   cfg.Geocoder,
		trigger:    cfg.Trigger,
		timeout:    cfg.RequestTimeout,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("session_id", id).Logger(),
		baseCtx:    ctx,
		baseCancel: cancel,
		lastActive: time.Now(),
	}
}

// NewID generates a session identifier.
func NewID() string {
	return "ses_" + uuid.New().String()[:22]
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Trigger returns the session's trigger policy.
func (s *Session) Trigger() Trigger {
	return s.trigger
}

// AddStop appends a stop.
func (s *Session) AddStop(coord routing.Coordinate, label string) (stops.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Append(coord, label)
	if err != nil {
		return stops.Stop{}, err
	}
	s.afterMutationLocked()
	return st, nil
}

// AddStopByAddress geocodes query and appends the result. When nothing
// matches a notice is recorded and the stop list is left alone. An empty
// label defaults to the place's display name.
func (s *Session) AddStopByAddress(ctx context.Context, query, label string) (stops.Stop, *geocoding.Place, error) {
	if s.geocoder == nil {
		return stops.Stop{}, nil, ErrNoGeocoder
	}

	place, err := s.geocoder.Resolve(ctx, query)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		code := NoticeGeocodeFailed
		if errors.Is(err, geocoding.ErrNotFound) {
			code = NoticeGeocodeNotFound
		}
		s.setNoticeLocked(code, fmt.Sprintf("could not find %q", query))
		return stops.Stop{}, nil, err
	}

	if label == "" {
		label = place.DisplayName
	}
	st, err := s.AddStop(place.Coordinate, label)
	if err != nil {
		return stops.Stop{}, nil, err
	}
	return st, place, nil
}

// RemoveStop removes a stop. Removing an unknown stop is a no-op.
func (s *Session) RemoveStop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.RemoveByID(id) {
		return false
	}
	s.afterMutationLocked()
	return true
}

// ReorderStop moves the stop at index from to index to, as a list drag does.
func (s *Session) ReorderStop(from, to int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.store.MoveIndex(from, to)
	if !ok {
		return "", false
	}
	s.afterMutationLocked()
	return id, true
}

// MoveStop moves a stop to index, clamped to the list bounds.
func (s *Session) MoveStop(id string, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.MoveTo(id, index) {
		return false
	}
	s.afterMutationLocked()
	return true
}

// EditStop changes a stop's label and/or coordinate.
//
// A label-only edit does not change the geometry, so a displayed route that
// was current stays current. A task in flight is re-issued because its
// generation is now outdated.
func (s *Session) EditStop(id string, edit Edit) error {
	if edit.Label == nil && edit.Coordinate == nil {
		return ErrEmptyEdit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.Get(id); err != nil {
		return err
	}

	if edit.Coordinate != nil {
		if err := s.store.UpdateCoordinate(id, *edit.Coordinate); err != nil {
			return err
		}
		if edit.Label != nil {
			if err := s.store.UpdateLabel(id, *edit.Label); err != nil {
				return err
			}
		}
		s.afterMutationLocked()
		return nil
	}

	wasCurrent := s.displayed != nil && s.displayed.Generation == s.store.Generation()
	if err := s.store.UpdateLabel(id, *edit.Label); err != nil {
		return err
	}
	s.touchLocked()

	if wasCurrent {
		s.showLocked(s.displayed.WithGeneration(s.store.Generation()))
	}
	if s.current != nil {
		s.scheduleLocked(s.current.kind)
	}
	return nil
}

// ReplaceOrder sets a full new order. ids must be a permutation of the
// current stop IDs; otherwise nothing changes.
func (s *Session) ReplaceOrder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ReplaceOrder(ids); err != nil {
		if errors.Is(err, stops.ErrInvalidPermutation) {
			s.setNoticeLocked(NoticeInvalidPermutation, err.Error())
		}
		return err
	}
	s.afterMutationLocked()
	return nil
}

// Clear removes all stops and the displayed route.
func (s *Session) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.store.Clear()
	s.touchLocked()
	s.cancelCurrentLocked()
	s.clearDisplayLocked()
	return n
}

// Optimize runs the optimizer on the current stops and waits for the
// outcome. It returns ErrSuperseded when the result was dropped.
func (s *Session) Optimize(ctx context.Context) (Outcome, error) {
	return s.runAndWait(ctx, optimizer.KindOptimize)
}

// Route routes the current order and waits for the outcome.
func (s *Session) Route(ctx context.Context) (Outcome, error) {
	return s.runAndWait(ctx, optimizer.KindRoute)
}

// RequestOptimize schedules an optimize task without waiting.
func (s *Session) RequestOptimize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touchLocked()
	s.scheduleLocked(optimizer.KindOptimize)
}

func (s *Session) runAndWait(ctx context.Context, kind optimizer.Kind) (Outcome, error) {
	s.mu.Lock()
	s.touchLocked()
	t := s.scheduleLocked(kind)
	s.mu.Unlock()

	if t == nil {
		return Outcome{}, ErrClosed
	}

	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// View returns a consistent read of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Snapshot()
	v := View{
		ID:         s.id,
		Trigger:    s.trigger,
		Generation: snap.Generation,
		Stops:      snap.Stops,
		Route:      s.displayed,
		LastActive: s.lastActive,
	}
	if s.displayed != nil {
		v.RouteCurrent = s.displayed.Generation == snap.Generation
	}
	if s.current != nil {
		v.Pending = true
		v.PendingKind = s.current.kind
	}
	if s.notice != nil {
		n := *s.notice
		v.Notice = &n
	}
	return v
}

// Cluster groups the current stops into k clusters. It reads a snapshot and
// leaves the stop list, the displayed route and any task in flight alone.
func (s *Session) Cluster(k int) Clusters {
	s.mu.Lock()
	snap := s.store.Snapshot()
	s.touchLocked()
	s.mu.Unlock()

	c := optimizer.Cluster(snap.Coordinates(), k)
	out := Clusters{
		Generation: snap.Generation,
		K:          c.K,
		Stops:      make([]ClusteredStop, len(snap.Stops)),
		Centers:    c.Centers,
	}
	for i, st := range snap.Stops {
		out.Stops[i] = ClusteredStop{Stop: st, Cluster: c.Assignments[i]}
	}
	return out
}

// LastActive returns the time of the last user event.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close cancels any task in flight and waits for task goroutines to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelCurrentLocked()
	s.baseCancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// afterMutationLocked invalidates the displayed route and recomputes
// according to the trigger policy. Fewer than two stops leave nothing to
// draw.
func (s *Session) afterMutationLocked() {
	s.touchLocked()

	if s.store.Len() < 2 {
		s.cancelCurrentLocked()
		s.clearDisplayLocked()
		return
	}
	s.invalidateDisplayLocked()

	switch s.trigger {
	case TriggerRoute:
		s.scheduleLocked(optimizer.KindRoute)
	case TriggerOptimize:
		s.scheduleLocked(optimizer.KindOptimize)
	}
}

// scheduleLocked starts a task for the current snapshot and supersedes the
// one in flight. It returns nil once the session is closed.
func (s *Session) scheduleLocked(kind optimizer.Kind) *task {
	if s.closed {
		return nil
	}
	s.cancelCurrentLocked()

	snap := s.store.Snapshot()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)

	s.seq++
	t := &task{
		seq:        s.seq,
		kind:       kind,
		generation: snap.Generation,
		started:    time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.current = t

	s.logger.Debug().
		Uint64("task", t.seq).
		Str("kind", string(kind)).
		Uint64("generation", t.generation).
		Int("stops", snap.Len()).
		Msg("scheduled task")

	s.wg.Add(1)
	go s.run(ctx, t, snap)
	return t
}

func (s *Session) run(ctx context.Context, t *task, snap stops.Snapshot) {
	defer s.wg.Done()
	defer t.cancel()

	var (
		res *optimizer.RouteResult
		err error
	)
	if t.kind == optimizer.KindOptimize {
		res, err = s.planner.Optimize(ctx, snap)
	} else {
		res, err = s.planner.Route(ctx, snap)
	}

	s.complete(t, res, err)
	close(t.done)
}

// complete reconciles a finished task with the current state. Everything
// here runs under the session lock so the generation check and the display
// update are atomic with respect to mutations.
func (s *Session) complete(t *task, res *optimizer.RouteResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := string(t.kind)
	elapsed := time.Since(t.started)

	if s.current != t {
		t.err = ErrSuperseded
		s.metrics.recordTask(kind, outcomeStale, elapsed)
		s.logger.Debug().Uint64("task", t.seq).Msg("dropped superseded result")
		return
	}
	s.current = nil

	if err != nil {
		t.err = err
		if errors.Is(err, context.Canceled) {
			t.err = ErrSuperseded
			s.metrics.recordTask(kind, outcomeStale, elapsed)
			return
		}
		s.setNoticeLocked(noticeCode(err), err.Error())
		s.metrics.recordTask(kind, outcomeFailed, elapsed)
		s.logger.Warn().Err(err).Uint64("task", t.seq).Str("kind", kind).Msg("route task failed, keeping displayed route")
		return
	}

	if res.Empty() {
		if s.store.Generation() != res.Generation {
			t.err = ErrSuperseded
			s.metrics.recordTask(kind, outcomeStale, elapsed)
			return
		}
		s.clearDisplayLocked()
		s.setNoticeLocked(NoticeInsufficientStops, optimizer.ErrInsufficientStops.Error())
		t.outcome = Outcome{Result: res, Applied: true}
		s.metrics.recordTask(kind, outcomeApplied, elapsed)
		return
	}

	if t.kind == optimizer.KindOptimize {
		newGen, err := s.store.ReplaceOrderAt(res.Generation, res.OrderedStopIDs)
		switch {
		case errors.Is(err, stops.ErrStaleGeneration):
			t.err = ErrSuperseded
			s.metrics.recordTask(kind, outcomeStale, elapsed)
			s.logger.Debug().Uint64("task", t.seq).Msg("dropped stale optimize result")
			return
		case err != nil:
			t.err = err
			s.setNoticeLocked(NoticeInvalidPermutation, err.Error())
			s.metrics.recordTask(kind, outcomeRejected, elapsed)
			s.logger.Error().Err(err).Uint64("task", t.seq).Msg("rejected optimize result")
			return
		}
		res = res.WithGeneration(newGen)
	} else if s.store.Generation() != res.Generation {
		t.err = ErrSuperseded
		s.metrics.recordTask(kind, outcomeStale, elapsed)
		s.logger.Debug().Uint64("task", t.seq).Msg("dropped stale route result")
		return
	}

	s.showLocked(res)
	if res.Degraded {
		s.setNoticeLocked(NoticeDegraded, "route is approximate: "+res.DegradedReason)
		s.metrics.recordDegraded(res.DegradedReason)
	}
	t.outcome = Outcome{Result: res, Applied: true}
	s.metrics.recordTask(kind, outcomeApplied, elapsed)

	s.logger.Debug().
		Uint64("task", t.seq).
		Str("kind", kind).
		Uint64("generation", res.Generation).
		Bool("degraded", res.Degraded).
		Msg("applied route result")
}

func (s *Session) cancelCurrentLocked() {
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
}

func (s *Session) showLocked(res *optimizer.RouteResult) {
	s.displayed = res
	s.outdated = false
	s.renderer.Show(res)
}

// invalidateDisplayLocked keeps the displayed route, so a failed recompute
// still leaves something on screen, but tells the renderer once that it no
// longer matches the stop list.
func (s *Session) invalidateDisplayLocked() {
	if s.displayed == nil || s.outdated {
		return
	}
	s.outdated = true
	s.renderer.Invalidate(s.store.Generation())
}

func (s *Session) clearDisplayLocked() {
	s.outdated = false
	if s.displayed != nil {
		s.displayed = nil
		s.renderer.Clear()
	}
}

func (s *Session) setNoticeLocked(code, message string) {
	s.notice = &Notice{
		Code:       code,
		Message:    message,
		Generation: s.store.Generation(),
		At:         time.Now(),
	}
	if n, ok := s.renderer.(Notifier); ok {
		n.Notify(*s.notice)
	}
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

func noticeCode(err error) string {
	switch {
	case errors.Is(err, routing.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return NoticeProviderTimeout
	case errors.Is(err, routing.ErrProviderUnavailable):
		return NoticeProviderUnavailable
	}
	return NoticeProviderError
}

type nopRenderer struct{}

func (nopRenderer) Show(*optimizer.RouteResult) {}
func (nopRenderer) Invalidate(uint64)           {}
func (nopRenderer) Clear()                      {}
