package kafkaconsumer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/invalidation"
	"github.com/AndreLimaSa/locals/internal/store"
)

type fakeFetcher struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeFetcher) Locations(context.Context) ([]model.LocationRecord, error) {
	n := f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("api down")
	}
	return []model.LocationRecord{{ID: "a", Likes: int(n)}}, nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "locals-locations" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(id string, seq uint64) []byte {
	ev := invalidation.Event{Version: 1, Op: "update", LocationID: id, Seq: seq, TS: time.Now().UTC()}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(f *fakeFetcher) (*Consumer, *store.LocationStore) {
	st := store.New(f, nil, store.Options{})
	cfg := Config{Brokers: []string{"x"}, Topic: "locals-locations", GroupID: "g", DedupeSize: 16}
	return New(cfg, nil, nil, st), st
}

func TestConsumeClaim_RefreshesAndMarksInOrder(t *testing.T) {
	f := &fakeFetcher{}
	c, st := newConsumerForTest(f)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "locals-locations", Offset: 10, Value: eventBytes("a", 1)}
	ch <- &sarama.ConsumerMessage{Topic: "locals-locations", Offset: 11, Value: eventBytes("b", 1)}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("refreshes=%d want 2", f.calls.Load())
	}
	if cur := st.Current(); len(cur) != 1 || cur[0].Likes != 2 {
		t.Fatalf("store not refreshed: %+v", cur)
	}
}

func TestProcessOne_SkipsDuplicatesAndOldVersions(t *testing.T) {
	f := &fakeFetcher{}
	c, _ := newConsumerForTest(f)
	ctx := context.Background()

	for _, seq := range []uint64{3, 3, 2, 4} {
		msg := &sarama.ConsumerMessage{Value: eventBytes("a", seq)}
		if err := c.ProcessOne(ctx, msg); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if f.calls.Load() != 2 {
		t.Fatalf("refreshes=%d want 2 (seq 3 and 4)", f.calls.Load())
	}
}

func TestProcessOne_PoisonAndFailuresDoNotBlock(t *testing.T) {
	f := &fakeFetcher{}
	f.fail.Store(true)
	c, st := newConsumerForTest(f)
	s := &sess{ctx: t.Context()}
	g := &groupHandler{process: c.ProcessOne}

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"version":1,"op":"update","ts":"2025-01-01T00:00:00Z"}`)}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: eventBytes("a", 0)}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want all 3", s.marked)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("refreshes=%d want 1 (only the valid event)", f.calls.Load())
	}
	if !st.Stale() {
		t.Fatal("failed refresh should leave the store stale")
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	f := &fakeFetcher{}
	c, _ := newConsumerForTest(f)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: eventBytes("a", 1)}
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: eventBytes("a", 2)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes("b", 1)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes("b", 2)}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

func TestStart_RequiresStore(t *testing.T) {
	c := New(Config{}, nil, nil, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestNew_UsesProcessLoggerWithoutChangingLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	st := store.New(&fakeFetcher{}, nil, store.Options{})
	c := New(Config{Topic: "locals-locations", DedupeSize: 4}, &zl, nil, st)

	msg := &sarama.ConsumerMessage{Topic: "locals-locations", Offset: 7, Value: []byte("{not json")}
	if err := c.ProcessOne(t.Context(), msg); err != nil {
		t.Fatalf("poison message should be skipped: %v", err)
	}

	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("global level=%v want error", got)
	}
	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"kafka_consumer"`)) || !bytes.Contains(buf.Bytes(), []byte(`"offset":7`)) {
		t.Fatalf("decode error not logged through process logger: %s", out)
	}
}
