package live

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/session"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_RendererPublishesToSession(t *testing.T) {
	h := NewHub(HubConfig{Logger: zerolog.Nop()})

	mine, unsubMine := h.Subscribe("ses_a")
	defer unsubMine()
	other, unsubOther := h.Subscribe("ses_b")
	defer unsubOther()

	r := h.Renderer("ses_a")
	r.Show(&optimizer.RouteResult{Generation: 3, OrderedStopIDs: []string{"x", "y"}})
	r.Invalidate(4)
	r.Clear()
	r.(session.Notifier).Notify(session.Notice{Code: session.NoticeDegraded, Generation: 3})

	ev := receive(t, mine)
	assert.Equal(t, EventRouteShow, ev.Type)
	assert.Equal(t, "ses_a", ev.SessionID)
	require.NotNil(t, ev.Route)
	assert.Equal(t, uint64(3), ev.Route.Generation)
	assert.False(t, ev.At.IsZero())

	ev = receive(t, mine)
	assert.Equal(t, EventRouteStale, ev.Type)
	assert.Equal(t, uint64(4), ev.Generation)
	assert.Nil(t, ev.Route)

	assert.Equal(t, EventRouteClear, receive(t, mine).Type)

	ev = receive(t, mine)
	assert.Equal(t, EventNotice, ev.Type)
	require.NotNil(t, ev.Notice)
	assert.Equal(t, session.NoticeDegraded, ev.Notice.Code)

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	h := NewHub(HubConfig{BufferSize: 1, Logger: zerolog.Nop()})
	ch, unsub := h.Subscribe("ses_a")
	defer unsub()

	done := make(chan struct{})
	go func() {
		h.Publish(Event{Type: EventRouteClear, SessionID: "ses_a"})
		h.Publish(Event{Type: EventRouteClear, SessionID: "ses_a"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestHub_UnsubscribeAndCloseSession(t *testing.T) {
	h := NewHub(HubConfig{Logger: zerolog.Nop()})

	ch1, unsub1 := h.Subscribe("ses_a")
	ch2, _ := h.Subscribe("ses_a")
	assert.Equal(t, 2, h.Subscribers("ses_a"))

	unsub1()
	unsub1()
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers("ses_a"))

	h.CloseSession("ses_a")
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers("ses_a"))
}

func TestHub_UnsubscribeAfterCloseSession(t *testing.T) {
	h := NewHub(HubConfig{Logger: zerolog.Nop()})
	_, unsub := h.Subscribe("ses_a")
	h.CloseSession("ses_a")

	// Must not close the channel twice.
	assert.NotPanics(t, unsub)
}

func TestServeWS_StreamsEvents(t *testing.T) {
	h := NewHub(HubConfig{Logger: zerolog.Nop()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "ses_a", &Event{Type: EventRouteClear})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventRouteClear, first.Type)
	assert.Equal(t, "ses_a", first.SessionID)

	// The initial event is written after subscribing, so the subscription
	// is live by now.
	require.Equal(t, 1, h.Subscribers("ses_a"))
	h.Renderer("ses_a").Show(&optimizer.RouteResult{Generation: 7})

	var next Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, EventRouteShow, next.Type)
	require.NotNil(t, next.Route)
	assert.Equal(t, uint64(7), next.Route.Generation)

	h.CloseSession("ses_a")
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
