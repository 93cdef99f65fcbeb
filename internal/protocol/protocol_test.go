package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Layout(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 2, 0xaa, 0xbb}, EncodeSyncStep1([]byte{0xaa, 0xbb}))
	assert.Equal(t, []byte{0, 1, 1, 0x01}, EncodeSyncStep2([]byte{0x01}))
	assert.Equal(t, []byte{0, 2, 0}, EncodeUpdate(nil))
	assert.Equal(t, []byte{1, 3, 'a', 'b', 'c'}, EncodeAwareness([]byte("abc")))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  Message
	}{
		{"step1", EncodeSyncStep1([]byte{1, 2}), Message{Type: MessageSync, Sync: SyncStep1, Payload: []byte{1, 2}}},
		{"step2", EncodeSyncStep2([]byte{3}), Message{Type: MessageSync, Sync: SyncStep2, Payload: []byte{3}}},
		{"update", EncodeUpdate([]byte{4}), Message{Type: MessageSync, Sync: SyncUpdate, Payload: []byte{4}}},
		{"awareness", EncodeAwareness([]byte{5}), Message{Type: MessageAwareness, Payload: []byte{5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte{7, 0})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Decode([]byte{0, 9, 0})
	assert.ErrorIs(t, err, ErrUnknownSyncType)

	_, err = Decode([]byte{0, 2, 5, 1})
	assert.ErrorIs(t, err, ErrMalformedFrame, "truncated payload")

	_, err = Decode(append(EncodeUpdate([]byte{1}), 0xff))
	assert.ErrorIs(t, err, ErrMalformedFrame, "trailing bytes")
}

func TestTypeStrings(t *testing.T) {
	assert.Equal(t, "sync", MessageSync.String())
	assert.Equal(t, "awareness", MessageAwareness.String())
	assert.Equal(t, "MessageType(9)", MessageType(9).String())
	assert.Equal(t, "update", SyncUpdate.String())
}
