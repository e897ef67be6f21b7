package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

func TestHub_DeliversToDocumentSubscribers(t *testing.T) {
	h := NewHub()
	d1, cancel1 := h.Subscribe("d1")
	defer cancel1()
	d2, cancel2 := h.Subscribe("d2")
	defer cancel2()

	h.Notify(core.DocumentEvent{DocumentID: "d1", Status: models.StatusProcessing})

	select {
	case ev := <-d1:
		assert.Equal(t, models.StatusProcessing, ev.Status)
	default:
		t.Fatal("d1 subscriber got nothing")
	}
	select {
	case ev := <-d2:
		t.Fatalf("d2 subscriber got %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("d1")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		h.Notify(core.DocumentEvent{DocumentID: "d1", Status: models.StatusProcessing})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("d1")
	require.Equal(t, 1, h.Subscribers("d1"))

	cancel()
	cancel()
	assert.Zero(t, h.Subscribers("d1"))
	_, open := <-ch
	assert.False(t, open)

	other, cancelOther := h.Subscribe("d2")
	h.Close()
	_, open = <-other
	assert.False(t, open)
	cancelOther()

	late, _ := h.Subscribe("d3")
	_, open = <-late
	assert.False(t, open)
}
