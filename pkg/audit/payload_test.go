package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_EveryKnownTypeIsTyped(t *testing.T) {
	for _, et := range EventTypes {
		p, err := DecodePayload(et, []byte(`{}`))
		require.NoError(t, err, et)
		_, unrecognized := p.(UnrecognizedPayload)
		assert.False(t, unrecognized, "event type %s has no payload struct", et)
		assert.Equal(t, et, p.EventType())
	}
}

func TestDecodePayload_Unrecognized(t *testing.T) {
	p, err := DecodePayload("key_escrowed", []byte(`{"final_state":"escrowed","x":1}`))
	require.NoError(t, err)
	u, ok := p.(UnrecognizedPayload)
	require.True(t, ok)
	assert.Equal(t, EventType("key_escrowed"), u.EventType())
	assert.Equal(t, "escrowed", u.RecordedState())
	assert.JSONEq(t, `{"final_state":"escrowed","x":1}`, string(u.Raw))
}

func TestDecodePayload_InvalidJSON(t *testing.T) {
	_, err := DecodePayload(EventRegistered, []byte(`{not json`))
	assert.Error(t, err)
}

func TestNewEvent_CopiesRecordedState(t *testing.T) {
	key := "key-1"
	ev, err := NewEvent("prov", &key, RevocationInitiatedPayload{Immediate: true, State: "compromised"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, EventRevocationInitiated, ev.EventType)
	assert.Equal(t, "compromised", ev.PayloadState)
	assert.Contains(t, string(ev.Payload), `"state":"compromised"`)

	p, err := ev.Decode()
	require.NoError(t, err)
	assert.True(t, p.(RevocationInitiatedPayload).Immediate)
}

func TestEventType_Known(t *testing.T) {
	assert.True(t, EventRevocationCompleted.Known())
	assert.False(t, EventType("rotation_sla_warning").Known())
}
