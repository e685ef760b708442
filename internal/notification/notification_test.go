package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"firebase.google.com/go/messaging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/cache"
	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/metrics"
	"metapulse/internal/ratelimit"
	"metapulse/internal/store"
)

type recordingNotifier struct {
	name    string
	enabled bool
	err     error
	block   chan struct{}
	panics  bool

	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) Name() string    { return r.name }
func (r *recordingNotifier) IsEnabled() bool { return r.enabled }
func (r *recordingNotifier) Send(ctx context.Context, s store.Signal) error {
	if r.panics {
		panic("channel exploded")
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, s.ID)
	r.mu.Unlock()
	return r.err
}

func (r *recordingNotifier) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestManagerDispatchesNewestSignalToEnabledChannels(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	st := store.New(bus, 5, logging.Nop())

	ok := &recordingNotifier{name: "ok", enabled: true}
	failing := &recordingNotifier{name: "failing", enabled: true, err: errors.New("503")}
	off := &recordingNotifier{name: "off"}

	m := NewManager(time.Second, logging.Nop())
	m.AddNotifier(ok)
	m.AddNotifier(failing)
	m.AddNotifier(off)
	m.Start(context.Background(), bus)
	defer m.Stop()

	assert.Equal(t, []string{"ok", "failing"}, m.Channels())

	st.Append(store.Signal{ID: "first"})
	st.Append(store.Signal{ID: "second"})
	m.Wait()

	assert.ElementsMatch(t, []string{"first", "second"}, ok.Sent())
	assert.ElementsMatch(t, []string{"first", "second"}, failing.Sent())
	assert.Empty(t, off.Sent())
}

func TestSlowOrPanickingChannelDoesNotBlockOthers(t *testing.T) {
	slow := &recordingNotifier{name: "slow", enabled: true, block: make(chan struct{})}
	boom := &recordingNotifier{name: "boom", enabled: true, panics: true}
	fast := &recordingNotifier{name: "fast", enabled: true}

	m := NewManager(50*time.Millisecond, logging.Nop())
	m.AddNotifier(slow)
	m.AddNotifier(boom)
	m.AddNotifier(fast)

	m.Dispatch(store.Signal{ID: "s1"})

	assert.Eventually(t, func() bool { return len(fast.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	m.Wait()
	assert.Empty(t, slow.Sent(), "slow channel times out")
}

func TestDeliveriesAreCounted(t *testing.T) {
	mt := metrics.New()
	ok := &recordingNotifier{name: "ok", enabled: true}
	failing := &recordingNotifier{name: "failing", enabled: true, err: errors.New("503")}
	boom := &recordingNotifier{name: "boom", enabled: true, panics: true}

	m := NewManager(time.Second, logging.Nop())
	m.SetMetrics(mt)
	m.AddNotifier(ok)
	m.AddNotifier(failing)
	m.AddNotifier(boom)

	m.Dispatch(store.Signal{ID: "s1"})
	m.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.FanoutDeliveries.WithLabelValues("ok", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.FanoutDeliveries.WithLabelValues("failing", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.FanoutDeliveries.WithLabelValues("boom", "panicked")))
}

func TestDispatchAfterStopIsDropped(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	ok := &recordingNotifier{name: "ok", enabled: true}

	m := NewManager(time.Second, logging.Nop())
	m.AddNotifier(ok)
	m.Start(context.Background(), bus)
	m.Stop()

	m.Dispatch(store.Signal{ID: "late"})
	m.Wait()
	assert.Empty(t, ok.Sent())
}

func TestStopWhileDispatching(t *testing.T) {
	ok := &recordingNotifier{name: "ok", enabled: true}
	m := NewManager(time.Second, logging.Nop())
	m.AddNotifier(ok)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Dispatch(store.Signal{ID: "s"})
		}()
	}
	m.Stop()
	wg.Wait()
	m.Wait()

	assert.LessOrEqual(t, len(ok.Sent()), 20)
}

func TestStopDetachesFromBus(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	m := NewManager(time.Second, logging.Nop())
	m.Start(context.Background(), bus)
	require.Equal(t, 1, bus.SubscriberCount(store.SignalUpdate.Name()))

	m.Stop()
	assert.Zero(t, bus.SubscriberCount(store.SignalUpdate.Name()))
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Enabled: true})
	require.True(t, n.IsEnabled())

	err := n.Send(context.Background(), store.Signal{
		ID:       "s1",
		Summary:  "Risk-on",
		Risk:     "Thin books",
		Insights: []store.Insight{{Symbol: "SOL", Insight: "Breakout", Confidence: 0.8}},
	})
	require.NoError(t, err)

	embeds := got["embeds"].([]interface{})
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "Risk-on", embed["description"])
	field := embed["fields"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "SOL", field["name"])
	assert.Equal(t, "Breakout (confidence 80%)", field["value"])

	assert.False(t, NewWebhookNotifier(WebhookConfig{Enabled: true}).IsEnabled())
}

func TestFormatTweet(t *testing.T) {
	generated := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	text := FormatTweet(store.Signal{
		Summary:  "Momentum rotates into memes.",
		Insights: []store.Insight{{Symbol: "BONK", Insight: "Volume doubled"}},
		Risk:     "Liquidity is thin.",
		Meta:     store.Meta{GeneratedAt: generated},
	})

	assert.Equal(t, "MetaPulse Signal Brief — Mar 5, 2024\nMomentum rotates into memes.\nBONK: Volume doubled\nRisk: Liquidity is thin.\n#MetaPulse #Solana", text)
}

func TestFormatTweetDefaultsAndTruncation(t *testing.T) {
	text := FormatTweet(store.Signal{CreatedAt: time.Now()})
	assert.Contains(t, text, "Signal update available.")
	assert.NotContains(t, text, "Risk:")

	long := FormatTweet(store.Signal{Summary: strings.Repeat("é", 400), CreatedAt: time.Now()})
	assert.Equal(t, 276, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func newTwitterServer(t *testing.T, status int) (*httptest.Server, *[]string) {
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		posted = append(posted, body["text"])
		w.WriteHeader(status)
		if status == http.StatusCreated {
			_, _ = w.Write([]byte(`{"data":{"id":"1750","text":"ok"}}`))
		} else {
			_, _ = w.Write([]byte(`{"title":"Forbidden","detail":"duplicate content"}`))
		}
	}))
	return srv, &posted
}

func socialGateway(points int) *ratelimit.Gateway {
	return ratelimit.NewGateway(map[string]ratelimit.Quota{
		ratelimit.ResourceSocialPost: {Points: points, Window: 24 * time.Hour},
	})
}

func TestTwitterPost(t *testing.T) {
	srv, posted := newTwitterServer(t, http.StatusCreated)
	defer srv.Close()

	n := NewTwitterNotifierWithClient(srv.Client(), srv.URL, socialGateway(3), logging.Nop())

	res, err := n.Post(context.Background(), "  hello world  ")
	require.NoError(t, err)
	assert.Equal(t, "1750", res.ID)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []string{"hello world"}, *posted)

	_, err = n.Post(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPost)
}

func TestTwitterPostFailureRefundsQuota(t *testing.T) {
	srv, _ := newTwitterServer(t, http.StatusForbidden)
	defer srv.Close()

	gw := socialGateway(1)
	n := NewTwitterNotifierWithClient(srv.Client(), srv.URL, gw, logging.Nop())

	err := n.Send(context.Background(), store.Signal{Summary: "x", CreatedAt: time.Now()})
	var opErr *ratelimit.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, err.Error(), "duplicate content")

	left, _ := gw.Remaining(ratelimit.ResourceSocialPost)
	assert.Equal(t, 1, left)
}

func TestTwitterDisabledWithoutCredentials(t *testing.T) {
	n := NewTwitterNotifier(TwitterConfig{APIKey: "k"}, socialGateway(1), logging.Nop())
	assert.False(t, n.IsEnabled())
	assert.NoError(t, n.Send(context.Background(), store.Signal{}))
}

type fakeMessenger struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msgs = append(f.msgs, m)
	return "projects/x/messages/1", f.err
}

func TestPushNotifier(t *testing.T) {
	fake := &fakeMessenger{}
	n := NewPushNotifierWithClient(fake, "", logging.Nop())
	require.True(t, n.IsEnabled())

	err := n.Send(context.Background(), store.Signal{
		ID:       "s1",
		Source:   store.SourceCron,
		Summary:  "Flat",
		Insights: []store.Insight{{Symbol: "JUP", Confidence: 0.55}},
	})
	require.NoError(t, err)
	require.Len(t, fake.msgs, 1)

	msg := fake.msgs[0]
	assert.Equal(t, DefaultPushTopic, msg.Topic)
	assert.Equal(t, "Flat", msg.Notification.Body)
	assert.Equal(t, "JUP", msg.Data["top_symbol"])
	assert.Equal(t, "0.55", msg.Data["confidence"])

	fake.err = errors.New("quota")
	assert.Error(t, n.Send(context.Background(), store.Signal{}))

	assert.False(t, NewPushNotifier(context.Background(), PushConfig{}, logging.Nop()).IsEnabled())
}

type fakePublisher struct {
	mu      sync.Mutex
	healthy bool
	setErr  error
	set     map[string]interface{}
	pubs    []interface{}
}

func (f *fakePublisher) PublishJSON(_ context.Context, _ string, v interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, v)
	return 1, nil
}

func (f *fakePublisher) SetJSON(_ context.Context, key string, v interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.set[key] = v
	return nil
}

func (f *fakePublisher) get(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.set[key]
	return v, ok
}

func (f *fakePublisher) IsHealthy() bool { return f.healthy }

func TestRedisRelay(t *testing.T) {
	fake := &fakePublisher{healthy: true, set: map[string]interface{}{}}
	relay := NewRedisRelay(fake, "", logging.Nop())

	require.NoError(t, relay.Send(context.Background(), store.Signal{ID: "s1"}))
	assert.Len(t, fake.pubs, 1)
	assert.Len(t, fake.set, 1)

	fake.healthy = false
	require.NoError(t, relay.Send(context.Background(), store.Signal{ID: "s2"}))
	assert.Len(t, fake.pubs, 1, "unhealthy redis is skipped")

	assert.False(t, NewRedisRelay(nil, "", logging.Nop()).IsEnabled())
}

func TestRedisRelayMirrorsMarket(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	st := store.New(bus, 5, logging.Nop())
	fake := &fakePublisher{healthy: true, set: map[string]interface{}{}}

	sub := NewRedisRelay(fake, "", logging.Nop()).WatchMarket(bus, time.Second)
	defer sub.Unsubscribe()

	st.SetSnapshot(market.NewSnapshot([]market.Token{{ID: "a"}}, time.Now()))

	assert.Eventually(t, func() bool {
		v, ok := fake.get(cache.KeyMarket)
		if !ok {
			return false
		}
		return len(v.(market.Snapshot).Tokens) == 1
	}, time.Second, 5*time.Millisecond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRedisRelayLogsMirrorFailure(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	st := store.New(bus, 5, logging.Nop())
	fake := &fakePublisher{healthy: true, setErr: errors.New("READONLY"), set: map[string]interface{}{}}

	var out lockedBuffer
	logger := logging.NewWithWriter(&logging.Config{Level: "WARN", JSONFormat: true}, &out)
	sub := NewRedisRelay(fake, "", logger).WatchMarket(bus, time.Second)
	defer sub.Unsubscribe()

	st.SetSnapshot(market.NewSnapshot([]market.Token{{ID: "a"}}, time.Now()))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Market mirror write failed")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "READONLY")
}
