// Package dispatch implements the distribution engine: it replays committed
// history for a set of consumers from their resume watermarks, switches to a
// live change feed, and fans every decoded event out to the consumers that
// want it, at most once per consumer.
//
// One Engine reads one source. To feed a consumer from several sources,
// subscribe it to one engine per source and run them together with
// runner.Runner.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/projection"
	"github.com/getpup/pupstream/es/store"
)

var (
	// ErrAborted is returned by Run when the abort check fired.
	ErrAborted = errors.New("engine aborted")

	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrNoChangeFeed is returned when a consumer wants to tail but the engine has no feed.
	ErrNoChangeFeed = errors.New("no change feed configured")
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateIdle State = iota
	StateComputingWatermark
	StateCatchingUp
	StateTailingOnly
	StateStopped
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputingWatermark:
		return "computing_watermark"
	case StateCatchingUp:
		return "catching_up"
	case StateTailingOnly:
		return "tailing_only"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the engine can no longer change state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateAborted || s == StateFailed
}

// Config configures an Engine.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// OnFatal is called once when the change feed fails, before Run returns.
	OnFatal func(err error)

	// OnApplyError is called for every consumer apply failure.
	OnApplyError func(err *es.ConsumerApplyError)

	// BatchSize is the number of commits read per catch-up query.
	BatchSize int

	// MaxConcurrency bounds how many consumers apply one event at the same time.
	// Zero or negative means no bound.
	MaxConcurrency int

	// ContinueOnApplyError keeps the engine running after a consumer fails to
	// apply an event. By default Run returns the apply errors.
	ContinueOnApplyError bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize: 100,
	}
}

type runOptions struct {
	abort func() bool
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

// WithAbortCheck makes Run consult fn before every catch-up commit. When fn
// returns true the engine stops in StateAborted and Run returns ErrAborted.
// Once tailing has started the check is no longer consulted.
func WithAbortCheck(fn func() bool) RunOption {
	return func(o *runOptions) {
		o.abort = fn
	}
}

// Engine distributes the commits of one source to its subscribed consumers.
type Engine struct {
	reader    store.CommitReader
	feed      feed.ChangeFeed
	after     *es.Position
	source    string
	consumers []projection.Consumer
	config    Config
	last      es.Position
	mu        sync.Mutex
	state     atomic.Int32
	running   atomic.Bool
}

// New creates an engine for source. reader serves catch-up reads and changeFeed
// serves live tailing; changeFeed may be nil when no consumer runs continuously.
//
//nolint:gocritic // hugeParam: config is copied once at construction
func New(source string, reader store.CommitReader, changeFeed feed.ChangeFeed, config Config) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Engine{
		source: source,
		reader: reader,
		feed:   changeFeed,
		config: config,
	}
}

// Source returns the name of the source this engine reads.
func (e *Engine) Source() string {
	return e.source
}

// Subscribe registers a consumer. Consumers subscribed after Run started are ignored.
func (e *Engine) Subscribe(c projection.Consumer) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumers = append(e.consumers, c)
	return e
}

// After seeds the catch-up watermark. The engine never starts later than
// the earliest consumer watermark or pos, whichever is lower.
func (e *Engine) After(pos es.Position) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.after = &pos
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastPosition returns the position of the last commit the engine processed.
func (e *Engine) LastPosition() es.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) setLast(pos es.Position) {
	e.mu.Lock()
	e.last = pos
	e.mu.Unlock()
}

// subscriber is a consumer together with what the engine resolved for it at start.
type subscriber struct {
	consumer  projection.Consumer
	types     map[string]bool
	watermark es.Position
	hasMark   bool
}

// wants reports whether the event passes the consumer's type filter and is
// newer than the consumer's own watermark.
//
//nolint:gocritic // hugeParam: events are values
func (s *subscriber) wants(event es.Event) bool {
	if len(s.types) > 0 && !s.types[event.Type] {
		return false
	}
	if s.hasMark && es.Compare(event.Meta.Position, s.watermark) <= 0 {
		return false
	}
	return true
}

// Run replays history from the computed watermark and then tails the change
// feed while any consumer runs continuously. It returns nil once catch-up is
// exhausted and no consumer wants tailing, ErrAborted when the abort check
// fires, ctx.Err() on cancellation, and an error otherwise.
func (e *Engine) Run(ctx context.Context, opts ...RunOption) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	e.mu.Lock()
	consumers := append([]projection.Consumer(nil), e.consumers...)
	seed := e.after
	e.mu.Unlock()

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "engine starting",
			"source", e.source,
			"consumers", len(consumers),
			"batch_size", e.config.BatchSize)
	}

	e.setState(StateComputingWatermark)
	subs, watermark, err := e.computeWatermark(ctx, consumers, seed)
	if err != nil {
		return e.fail(ctx, err)
	}

	e.setState(StateCatchingUp)
	types := unionTypes(subs)
	last, head, err := e.catchUp(ctx, subs, watermark, types, ro.abort)
	if err != nil {
		return e.stopWith(ctx, err)
	}

	// Consumers that do not run continuously are done after catch-up.
	live := continuous(subs)
	if len(live) == 0 {
		e.setState(StateStopped)
		if e.config.Logger != nil {
			e.config.Logger.Info(ctx, "engine stopped after catch-up",
				"source", e.source,
				"last_position", last)
		}
		return nil
	}

	if e.feed == nil {
		return e.fail(ctx, ErrNoChangeFeed)
	}

	for _, s := range subs {
		s.consumer.NotifyTailingStarted(e.source)
	}
	e.setState(StateTailingOnly)

	return e.stopWith(ctx, e.tail(ctx, live, es.MaxPosition(last, head), unionTypes(live)))
}

// computeWatermark asks every consumer for its watermark first and then folds
// them with the seed into the minimum. No watermark at all means the beginning.
func (e *Engine) computeWatermark(ctx context.Context, consumers []projection.Consumer, seed *es.Position) ([]*subscriber, es.Position, error) {
	subs := make([]*subscriber, len(consumers))
	for i, c := range consumers {
		pos, ok, err := c.ResumeWatermark(ctx, e.source)
		if err != nil {
			return nil, es.Position{}, fmt.Errorf("failed to get watermark of consumer %q: %w", c.Name(), err)
		}
		subs[i] = &subscriber{
			consumer:  c,
			types:     store.TypeSet(c.InterestedEventTypes()),
			watermark: pos,
			hasMark:   ok,
		}
	}

	var watermark es.Position
	found := false
	if seed != nil {
		watermark, found = *seed, true
	}
	for _, s := range subs {
		if !s.hasMark {
			continue
		}
		if !found {
			watermark, found = s.watermark, true
			continue
		}
		watermark = es.MinPosition(watermark, s.watermark)
	}

	if e.config.Logger != nil {
		e.config.Logger.Debug(ctx, "watermark computed",
			"source", e.source,
			"watermark", watermark)
	}
	return subs, watermark, nil
}

// catchUp replays commits in (watermark, head] and returns the last processed
// position and the head snapshot.
func (e *Engine) catchUp(ctx context.Context, subs []*subscriber, watermark es.Position, types []string, abort func() bool) (last, head es.Position, err error) {
	head, err = e.reader.HeadPosition(ctx)
	if err != nil {
		return watermark, head, fmt.Errorf("failed to read head position: %w", err)
	}

	last = watermark
	if head.IsZero() || es.Compare(head, watermark) <= 0 {
		return last, head, nil
	}

	q := store.Query{After: watermark, UpTo: head, EventTypes: types}
	for {
		commits, err := e.reader.ReadCommits(ctx, q, e.config.BatchSize)
		if err != nil {
			return last, head, fmt.Errorf("failed to read commits after %s: %w", q.After, err)
		}

		if e.config.Logger != nil {
			e.config.Logger.Debug(ctx, "catch-up batch read",
				"source", e.source,
				"after", q.After,
				"commits", len(commits))
		}

		for i := range commits {
			if err := e.step(ctx, subs, commits[i], abort); err != nil {
				return last, head, err
			}
			last = commits[i].Position
		}

		if len(commits) < e.config.BatchSize {
			return last, head, nil
		}
		q.After = last
	}
}

// tail dispatches live commits from the change feed to subs until the feed
// fails or ctx is canceled.
func (e *Engine) tail(ctx context.Context, subs []*subscriber, from es.Position, types []string) error {
	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "tailing change feed",
			"source", e.source,
			"after", from)
	}

	sub, err := e.feed.Subscribe(ctx, from, types)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fatal(ctx, err)
	}
	defer func() {
		//nolint:errcheck // subscription abandoned
		sub.Close()
	}()

	filter := store.TypeSet(types)
	last := from
	for {
		commit, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fatal(ctx, err)
		}

		if es.Compare(commit.Position, last) <= 0 {
			continue
		}
		if !commit.MatchesTypes(filter) {
			last = commit.Position
			continue
		}
		if err := e.step(ctx, subs, commit, nil); err != nil {
			return err
		}
		last = commit.Position
	}
}

// step processes one commit at a commit boundary.
//
//nolint:gocritic // hugeParam: commits are values
func (e *Engine) step(ctx context.Context, subs []*subscriber, commit es.Commit, abort func() bool) error {
	if abort != nil && abort() {
		return ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.dispatchCommit(ctx, subs, commit); err != nil {
		return err
	}
	e.setLast(commit.Position)
	return nil
}

// dispatchCommit decodes commit and delivers its events one at a time. Each
// event is fanned out concurrently and all consumers finish before the next
// event starts.
//
//nolint:gocritic // hugeParam: commits are values
func (e *Engine) dispatchCommit(ctx context.Context, subs []*subscriber, commit es.Commit) error {
	failed := make([]bool, len(subs))

	for _, event := range es.Decode(commit, e.source) {
		var (
			mu   sync.Mutex
			errs []*es.ConsumerApplyError
			g    errgroup.Group
		)
		if e.config.MaxConcurrency > 0 {
			g.SetLimit(e.config.MaxConcurrency)
		}

		for i, s := range subs {
			if !s.wants(event) {
				continue
			}
			g.Go(func() error {
				if err := deliver(ctx, s.consumer, event); err != nil {
					mu.Lock()
					failed[i] = true
					errs = append(errs, &es.ConsumerApplyError{
						Consumer: s.consumer.Name(),
						EventID:  event.ID,
						Position: event.Meta.Position,
						Err:      err,
					})
					mu.Unlock()
				}
				return nil
			})
		}
		//nolint:errcheck // goroutines report through errs
		g.Wait()

		if len(errs) == 0 {
			continue
		}
		if err := e.handleApplyErrors(ctx, errs); err != nil {
			return err
		}
	}

	for i, s := range subs {
		if failed[i] {
			continue
		}
		if s.hasMark && es.Compare(commit.Position, s.watermark) <= 0 {
			continue
		}
		advancer, ok := s.consumer.(projection.WatermarkAdvancer)
		if !ok {
			continue
		}
		if err := advancer.AdvanceWatermark(ctx, e.source, commit.Position); err != nil {
			return fmt.Errorf("failed to advance watermark of consumer %q: %w", s.consumer.Name(), err)
		}
	}
	return nil
}

// deliver marks the event in the consumer's guard and applies it when this
// delivery marked it first.
//
//nolint:gocritic // hugeParam: events are values
func deliver(ctx context.Context, c projection.Consumer, event es.Event) error {
	guard := c.Guard()
	if guard == nil {
		return c.Apply(ctx, event)
	}
	first, err := guard.MarkSeen(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("failed to mark event seen: %w", err)
	}
	if !first {
		return nil
	}
	return c.Apply(ctx, event)
}

func (e *Engine) handleApplyErrors(ctx context.Context, errs []*es.ConsumerApplyError) error {
	joined := make([]error, len(errs))
	for i, applyErr := range errs {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "consumer apply failed",
				"source", e.source,
				"consumer", applyErr.Consumer,
				"event_id", applyErr.EventID,
				"position", applyErr.Position,
				"error", applyErr.Err)
		}
		if e.config.OnApplyError != nil {
			e.config.OnApplyError(applyErr)
		}
		joined[i] = applyErr
	}
	if e.config.ContinueOnApplyError {
		return nil
	}
	return errors.Join(joined...)
}

// fatal reports a change feed failure through OnFatal.
func (e *Engine) fatal(ctx context.Context, err error) error {
	err = es.FeedFatal(err)
	if e.config.Logger != nil {
		e.config.Logger.Error(ctx, "change feed failed",
			"source", e.source,
			"error", err)
	}
	if e.config.OnFatal != nil {
		e.config.OnFatal(err)
	}
	return err
}

// stopWith maps the error that ended a run to the terminal state.
func (e *Engine) stopWith(ctx context.Context, err error) error {
	switch {
	case err == nil:
		e.setState(StateStopped)
		return nil
	case errors.Is(err, ErrAborted):
		e.setState(StateAborted)
		if e.config.Logger != nil {
			e.config.Logger.Info(ctx, "engine aborted",
				"source", e.source,
				"last_position", e.LastPosition())
		}
		return err
	case ctx.Err() != nil:
		e.setState(StateStopped)
		if e.config.Logger != nil {
			e.config.Logger.Info(ctx, "engine stopped",
				"source", e.source,
				"reason", ctx.Err())
		}
		return ctx.Err()
	default:
		return e.fail(ctx, err)
	}
}

func (e *Engine) fail(ctx context.Context, err error) error {
	e.setState(StateFailed)
	if e.config.Logger != nil {
		e.config.Logger.Error(ctx, "engine failed",
			"source", e.source,
			"error", err)
	}
	return err
}

// unionTypes returns the sorted union of consumer type filters. A consumer
// without a filter wants every type, which makes the union empty.
func unionTypes(subs []*subscriber) []string {
	set := make(map[string]bool)
	for _, s := range subs {
		if len(s.types) == 0 {
			return nil
		}
		for t := range s.types {
			set[t] = true
		}
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func continuous(subs []*subscriber) []*subscriber {
	var live []*subscriber
	for _, s := range subs {
		if s.consumer.RunsContinuously() {
			live = append(live, s)
		}
	}
	return live
}
