package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessage(t *testing.T) {
	msg := Message{
		Kind:            KindStreamSelect,
		SenderID:        "user-1",
		OriginTimestamp: 1700000000.25,
		Position:        12.5,
		IsPlaying:       true,
		Stream: &StreamSelector{
			InfoHash:    "abcdef0123456789",
			FileIdx:     2,
			Quality:     "1080p",
			UnlockedURL: "https://cdn.example/stream",
		},
		IsPremium: true,
	}

	data, err := EncodeMessage(&msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestEncodeMessageDeterministic(t *testing.T) {
	msg := Message{
		Kind:            KindSeek,
		SenderID:        "user-1",
		OriginTimestamp: 100,
		Position:        42,
	}

	a, err := EncodeMessage(&msg)
	require.NoError(t, err)
	b, err := EncodeMessage(&msg)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t,
		`{"type":"seek","timestamp":100,"position":42,"isPlaying":false,"senderId":"user-1"}`,
		string(a), "wire field order must stay stable")
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"unknown kind", `{"type":"rewind","senderId":"u","timestamp":1}`},
		{"missing sender", `{"type":"play","timestamp":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.payload))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeMessageQualityOnlyStream(t *testing.T) {
	decoded, err := DecodeMessage([]byte(
		`{"type":"stream-select","timestamp":1,"position":0,"isPlaying":false,"senderId":"u","quality":"720p"}`,
	))
	require.NoError(t, err)
	require.NotNil(t, decoded.Stream, "a quality field alone still selects a stream")
	assert.Equal(t, "720p", decoded.Stream.Quality)
}

func TestDecodeMessageZeroFileIdx(t *testing.T) {
	decoded, err := DecodeMessage([]byte(
		`{"type":"stream-select","timestamp":1,"position":0,"isPlaying":false,"senderId":"u","infoHash":"aa","fileIdx":0}`,
	))
	require.NoError(t, err)
	require.NotNil(t, decoded.Stream)
	assert.Equal(t, 0, decoded.Stream.FileIdx, "file index zero is a valid selection")
}

func TestPayloadKeys(t *testing.T) {
	keys := payloadKeys([]byte(`{"b":1,"a":"x"}`))
	assert.Equal(t, []string{"a", "b"}, keys)

	assert.Nil(t, payloadKeys([]byte(`not-json`)))
}
