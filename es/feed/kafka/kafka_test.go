package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/dispatch"
	"github.com/getpup/pupstream/es/feed"
	"github.com/getpup/pupstream/es/projection"
	"github.com/getpup/pupstream/es/store"
)

// memTopic is a single-partition topic shared by a test relay and test feeds.
type memTopic struct {
	records []*kgo.Record
	mu      sync.Mutex
	cond    *sync.Cond
}

func newMemTopic() *memTopic {
	t := &memTopic{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *memTopic) produce(_ context.Context, rec *kgo.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Offset = int64(len(t.records))
	t.records = append(t.records, rec)
	t.cond.Broadcast()
	return nil
}

func (t *memTopic) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// poller returns a pollFunc reading the topic from offset 0.
func (t *memTopic) poller() (pollFunc, func()) {
	var (
		offset int
		closed bool
	)
	poll := func(ctx context.Context) ([]*kgo.Record, error) {
		stop := context.AfterFunc(ctx, func() {
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		})
		defer stop()

		t.mu.Lock()
		defer t.mu.Unlock()
		for offset >= len(t.records) && !closed && ctx.Err() == nil {
			t.cond.Wait()
		}
		if closed {
			return nil, feed.ErrEnded
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out := append([]*kgo.Record(nil), t.records[offset:]...)
		offset = len(t.records)
		return out, nil
	}
	closeFn := func() {
		t.mu.Lock()
		closed = true
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	return poll, closeFn
}

func (t *memTopic) feed() *Feed {
	return &Feed{
		config: DefaultConfig(),
		open: func(es.Position) (pollFunc, func(), error) {
			poll, closeFn := t.poller()
			return poll, closeFn, nil
		},
	}
}

func commitAt(ord int64, eventType string) es.Commit {
	return es.Commit{
		CreatedAt:     time.Unix(100, 0).UTC(),
		StreamID:      es.StreamIDFor("Order", "o-1"),
		AggregateID:   "o-1",
		AggregateType: "Order",
		Version:       ord,
		Position:      es.Position{Seconds: 100, Ordinal: ord},
		Events:        []es.EventRecord{{ID: uuid.New(), Type: eventType, Payload: []byte(`{}`)}},
	}
}

func mustEncode(t *testing.T, c es.Commit) *kgo.Record {
	t.Helper()
	rec, err := EncodeCommit("commits", c)
	if err != nil {
		t.Fatalf("EncodeCommit failed: %v", err)
	}
	return rec
}

// chanFeed is a source feed for relays.
type chanFeed struct {
	ch    chan es.Commit
	after es.Position
}

func (f *chanFeed) Subscribe(_ context.Context, after es.Position, _ []string) (feed.Subscription, error) {
	f.after = after
	return f, nil
}

func (f *chanFeed) Next(ctx context.Context) (es.Commit, error) {
	select {
	case <-ctx.Done():
		return es.Commit{}, ctx.Err()
	case c, ok := <-f.ch:
		if !ok {
			return es.Commit{}, es.FeedFatal(feed.ErrEnded)
		}
		return c, nil
	}
}

func (f *chanFeed) Close() error { return nil }

type emptyReader struct{}

func (emptyReader) ReadCommits(context.Context, store.Query, int) ([]es.Commit, error) {
	return nil, nil
}

func (emptyReader) HeadPosition(context.Context) (es.Position, error) {
	return es.Position{}, nil
}

type memWatermarks struct {
	mu   sync.Mutex
	data map[string]es.Position
}

func (w *memWatermarks) GetWatermark(_ context.Context, consumer, source string) (es.Position, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos, ok := w.data[consumer+"/"+source]
	return pos, ok, nil
}

func (w *memWatermarks) SaveWatermark(_ context.Context, consumer, source string, pos es.Position) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data[consumer+"/"+source] = pos
	return nil
}

func TestConfig(t *testing.T) {
	config := Config{Brokers: []string{"127.0.0.1:9092"}}
	config.withDefaults()
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if config.Topic != "pupstream.commits" || config.FetchMaxWait != time.Second {
		t.Errorf("Unexpected defaults: %+v", config)
	}

	if err := (Config{Topic: "x"}).Validate(); err == nil {
		t.Error("Expected error without brokers")
	}
	if _, err := NewFeed(Config{}); err == nil {
		t.Error("Expected NewFeed to validate its config")
	}
	if _, err := NewRelay(Config{}, &chanFeed{}); err == nil {
		t.Error("Expected NewRelay to validate its config")
	}
}

func TestEncodeCommit(t *testing.T) {
	c := commitAt(7, "OrderPlaced")
	c.CommandMetadata = []byte(`{"user":"u-1"}`)

	rec := mustEncode(t, c)
	if string(rec.Key) != c.StreamID {
		t.Errorf("Expected key %q, got %q", c.StreamID, rec.Key)
	}
	if pos, ok := recordPosition(rec); !ok || pos != c.Position {
		t.Errorf("Expected position header %v, got %v", c.Position, pos)
	}
	if rec.Timestamp.Unix() != c.Position.Seconds {
		t.Errorf("Expected timestamp at position seconds, got %v", rec.Timestamp)
	}

	got, err := DecodeCommit(rec)
	if err != nil {
		t.Fatalf("DecodeCommit failed: %v", err)
	}
	if got.Position != c.Position || got.Version != 7 || got.StreamID != c.StreamID {
		t.Errorf("Unexpected commit: %+v", got)
	}
	if got.Events[0].ID != c.Events[0].ID || string(got.CommandMetadata) != `{"user":"u-1"}` {
		t.Errorf("Event data lost: %+v", got)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("Expected created at %v, got %v", c.CreatedAt, got.CreatedAt)
	}
}

func TestDecodeCommit_Corrupt(t *testing.T) {
	if _, err := DecodeCommit(&kgo.Record{Value: []byte("not json")}); err == nil {
		t.Error("Expected error for corrupt value")
	}
	if _, err := DecodeCommit(&kgo.Record{Value: []byte(`{"position":"x"}`)}); err == nil {
		t.Error("Expected error for bad position")
	}
}

func TestSubscription_SkipsDeliveredAndFilters(t *testing.T) {
	topic := newMemTopic()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, typ := range []string{"A", "A", "B", "A"} {
		_ = topic.produce(ctx, mustEncode(t, commitAt(int64(i+1), typ)))
	}
	// Redelivered record from a relay restart
	_ = topic.produce(ctx, mustEncode(t, commitAt(4, "A")))
	_ = topic.produce(ctx, mustEncode(t, commitAt(5, "A")))

	sub, err := topic.feed().Subscribe(ctx, es.Position{Seconds: 100, Ordinal: 1}, []string{"A"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	var got []int64
	for i := 0; i < 3; i++ {
		c, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, c.Position.Ordinal)
	}
	want := []int64{2, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected ordinals %v, got %v", want, got)
		}
	}
}

func TestSubscription_Errors(t *testing.T) {
	t.Run("fetch error is fatal", func(t *testing.T) {
		f := &Feed{
			config: DefaultConfig(),
			open: func(es.Position) (pollFunc, func(), error) {
				return func(context.Context) ([]*kgo.Record, error) {
					return nil, errors.New("unknown topic")
				}, func() {}, nil
			},
		}
		sub, _ := f.Subscribe(context.Background(), es.Position{}, nil)
		if _, err := sub.Next(context.Background()); !errors.Is(err, es.ErrFeedFatal) {
			t.Errorf("Expected ErrFeedFatal, got %v", err)
		}
	})

	t.Run("corrupt record is fatal", func(t *testing.T) {
		topic := newMemTopic()
		_ = topic.produce(context.Background(), &kgo.Record{Value: []byte("garbage")})
		sub, _ := topic.feed().Subscribe(context.Background(), es.Position{}, nil)
		defer sub.Close()
		if _, err := sub.Next(context.Background()); !errors.Is(err, es.ErrFeedFatal) {
			t.Errorf("Expected ErrFeedFatal, got %v", err)
		}
	})

	t.Run("open error is fatal", func(t *testing.T) {
		f := &Feed{
			config: DefaultConfig(),
			open: func(es.Position) (pollFunc, func(), error) {
				return nil, nil, errors.New("no brokers")
			},
		}
		if _, err := f.Subscribe(context.Background(), es.Position{}, nil); !errors.Is(err, es.ErrFeedFatal) {
			t.Errorf("Expected ErrFeedFatal, got %v", err)
		}
	})

	t.Run("close ends a blocked next", func(t *testing.T) {
		topic := newMemTopic()
		sub, _ := topic.feed().Subscribe(context.Background(), es.Position{}, nil)

		errCh := make(chan error, 1)
		go func() {
			_, err := sub.Next(context.Background())
			errCh <- err
		}()
		time.Sleep(10 * time.Millisecond)
		_ = sub.Close()
		_ = sub.Close()

		select {
		case err := <-errCh:
			if !errors.Is(err, feed.ErrEnded) {
				t.Errorf("Expected ErrEnded, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Next did not return after Close")
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		topic := newMemTopic()
		sub, _ := topic.feed().Subscribe(context.Background(), es.Position{}, nil)
		defer sub.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

func TestRelay_ProducesAndSavesWatermark(t *testing.T) {
	topic := newMemTopic()
	source := &chanFeed{ch: make(chan es.Commit, 4)}
	watermarks := &memWatermarks{data: map[string]es.Position{
		"relay/pupstream.commits": {Seconds: 100, Ordinal: 1},
	}}

	r := (&Relay{config: DefaultConfig(), source: source, produce: topic.produce}).
		WithWatermarks(watermarks, "relay")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, es.Position{}) }()

	source.ch <- commitAt(2, "A")
	source.ch <- commitAt(3, "B")
	for topic.len() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if source.after != (es.Position{Seconds: 100, Ordinal: 1}) {
		t.Errorf("Expected relay to resume from stored watermark, got %v", source.after)
	}
	pos, _, _ := watermarks.GetWatermark(context.Background(), "relay", "pupstream.commits")
	if pos.Ordinal != 3 {
		t.Errorf("Expected watermark at ordinal 3, got %v", pos)
	}
	if string(topic.records[0].Key) != es.StreamIDFor("Order", "o-1") {
		t.Errorf("Expected stream id key, got %q", topic.records[0].Key)
	}
}

func TestRelay_ProduceErrorStopsRelay(t *testing.T) {
	source := &chanFeed{ch: make(chan es.Commit, 1)}
	r := &Relay{
		config: DefaultConfig(),
		source: source,
		produce: func(context.Context, *kgo.Record) error {
			return errors.New("not leader for partition")
		},
	}
	source.ch <- commitAt(1, "A")

	err := r.Run(context.Background(), es.Position{})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("Expected produce error, got %v", err)
	}
}

func TestRelay_SourceFailureIsReturned(t *testing.T) {
	source := &chanFeed{ch: make(chan es.Commit)}
	close(source.ch)
	r := &Relay{config: DefaultConfig(), source: source, produce: newMemTopic().produce}

	if err := r.Run(context.Background(), es.Position{}); !errors.Is(err, es.ErrFeedFatal) {
		t.Errorf("Expected ErrFeedFatal, got %v", err)
	}
}

func TestEngine_TailsRelayedCommits(t *testing.T) {
	topic := newMemTopic()
	source := &chanFeed{ch: make(chan es.Commit, 4)}
	r := &Relay{config: DefaultConfig(), source: source, produce: topic.produce}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = r.Run(ctx, es.Position{}) }()

	applied := make(chan es.Event, 4)
	rm := projection.NewReadModel("orders").On("OrderPlaced", func(_ context.Context, e es.Event) error {
		applied <- e
		return nil
	})

	// Nothing to catch up from: the remote store is only reachable through kafka
	engine := dispatch.New("orders-db", emptyReader{}, topic.feed(), dispatch.DefaultConfig()).Subscribe(rm)
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	source.ch <- commitAt(1, "OrderPlaced")
	source.ch <- commitAt(2, "OrderShipped")
	source.ch <- commitAt(3, "OrderPlaced")

	for _, want := range []int64{1, 3} {
		select {
		case e := <-applied:
			if e.Meta.Position.Ordinal != want || e.Source != "orders-db" {
				t.Errorf("Expected ordinal %d from orders-db, got %v from %s", want, e.Meta.Position, e.Source)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for relayed event")
		}
	}

	cancel()
	<-done
	if engine.State() != dispatch.StateStopped {
		t.Errorf("Expected stopped state, got %s", engine.State())
	}
}
