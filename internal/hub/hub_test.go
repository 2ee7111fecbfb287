package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

func TestHubBroadcast(t *testing.T) {
	h := New()
	sub1 := h.Subscribe()
	sub2 := h.Subscribe()

	h.Publish(model.Alert{"ID": "a1", "Status": "Incident"})

	for i, sub := range []<-chan model.Alert{sub1, sub2} {
		select {
		case a := <-sub:
			assert.Equal(t, "a1", a.ID(), "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestHubSubscribersGetOwnCopy(t *testing.T) {
	h := New()
	sub1 := h.Subscribe()
	sub2 := h.Subscribe()

	h.Publish(model.Alert{"ID": "a1"})

	first := <-sub1
	first["ID"] = "rewritten"
	first["Extra"] = true

	second := <-sub2
	assert.Equal(t, "a1", second.ID())
	assert.NotContains(t, second, "Extra")
}

func TestHubSlowConsumer(t *testing.T) {
	h := New()

	// Subscribe but never read.
	_ = h.Subscribe()

	for i := 0; i < subscriberBuffer+100; i++ {
		h.Publish(model.Alert{"ID": "x"})
	}

	assert.EqualValues(t, 100, h.Dropped())
}

func TestHubClose(t *testing.T) {
	h := New()
	sub := h.Subscribe()

	h.Close()
	h.Close()
	h.Publish(model.Alert{"ID": "ignored"})

	_, ok := <-sub
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}
