package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := New(Value, 3, map[string]any{"round": 5, "value": 42})
	b, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, Value, got.Type)
	require.Equal(t, 3, got.From)
	round, ok := got.Int("round")
	require.True(t, ok)
	require.Equal(t, 5, round)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	var malformed *MalformedMessage
	require.ErrorAs(t, err, &malformed)
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	_, err := Decode([]byte(`{"type":"VALUE","from":1,"payload":{"round":1}}`))
	require.Error(t, err)
}

func TestDecodeAllowsUnknownType(t *testing.T) {
	got, err := Decode([]byte(`{"type":"FUTURE_TYPE","from":1,"payload":{}}`))
	require.NoError(t, err)
	require.Equal(t, Type("FUTURE_TYPE"), got.Type)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"from":1,"payload":{}}`))
	require.Error(t, err)
}
