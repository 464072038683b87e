package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPayloadSurvivesRoundTrip(t *testing.T) {
	ev := Event{
		ID:             "ev-1",
		Type:           EventProductDispatch,
		SessionID:      "ss-1",
		MachineID:      "vm-42",
		SequenceNumber: 3,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		Payload:        ProductDispatchPayload{ProductID: "cola", ProductName: "Cola", Slot: 12, Price: 350, NonRevenue: true},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.SequenceNumber, got.SequenceNumber)

	p, ok := got.Dispatch()
	require.True(t, ok)
	assert.Equal(t, "cola", p.ProductID)
	assert.True(t, p.NonRevenue)
	assert.Equal(t, int64(350), p.Price)
}

func TestEventUnmarshalRejectsUnknownType(t *testing.T) {
	data := []byte(`{"id":"ev-1","type":"bogus.type","payload":{}}`)

	var ev Event
	assert.Error(t, json.Unmarshal(data, &ev))
}

func TestSessionResolved(t *testing.T) {
	ss := Session{
		Basket: []BasketItem{{ProductID: "cola", Quantity: 2, UnitPrice: 350, Slot: 12}},
	}
	assert.False(t, ss.Resolved())

	ss.DispensedItems = append(ss.DispensedItems, DispensedItem{ProductID: "cola", Status: DispenseStatusDispensed})
	assert.False(t, ss.Resolved())

	ss.DispensedItems = append(ss.DispensedItems, DispensedItem{ProductID: "cola", Status: DispenseStatusFailed})
	assert.True(t, ss.Resolved())
}
