package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVocabulariesAreDisjoint(t *testing.T) {
	for tt := range outboundTypes {
		require.False(t, tt.IsInbound(), "%s is in both vocabularies", tt)
	}
	for tt := range inboundTypes {
		require.False(t, tt.IsOutbound(), "%s is in both vocabularies", tt)
	}
	require.False(t, MessageType("BOGUS").IsOutbound())
	require.False(t, MessageType("BOGUS").IsInbound())
}

func TestNewEnvelopeStampsPayloadAndClock(t *testing.T) {
	env, err := NewEnvelope(InitAR, InitARPayload{RequestVPS: true}, "msg_1_1")
	require.NoError(t, err)
	require.Equal(t, InitAR, env.Type)
	require.Equal(t, "msg_1_1", env.MessageID)
	require.NotZero(t, env.Timestamp)

	var p InitARPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.True(t, p.RequestVPS)
}

func TestNewEnvelopeNilPayloadIsEmptyObject(t *testing.T) {
	env, err := NewEnvelope(ResetAR, nil, "msg_1_2")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(env.Payload))
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(PauseAR, nil, "msg_1_3")
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Contains(t, wire, "type")
	require.Contains(t, wire, "payload")
	require.Contains(t, wire, "messageId")
	require.Contains(t, wire, "timestamp")
}

func TestReplyToProbe(t *testing.T) {
	env := Envelope{Type: ARReady, Payload: []byte(`{"replyTo":"msg_1_7","capabilities":{}}`)}
	require.Equal(t, "msg_1_7", env.ReplyTo())

	env.Payload = []byte(`{"capabilities":{}}`)
	require.Empty(t, env.ReplyTo())

	env.Payload = []byte(`not-json`)
	require.Empty(t, env.ReplyTo())
}

func TestDecodeInboundTypedPayloads(t *testing.T) {
	env := Envelope{Type: SurfaceDetected, Payload: []byte(`{"detected":true,"planeCount":3,"totalAreaM2":4.5}`)}
	decoded, err := DecodeInbound(env)
	require.NoError(t, err)

	p, ok := decoded.(SurfaceDetectedPayload)
	require.True(t, ok)
	require.True(t, p.Detected)
	require.Equal(t, 3, p.PlaneCount)
	require.InDelta(t, 4.5, p.TotalArea, 1e-9)
}

func TestDecodeInboundRejectsUnknownAndMalformed(t *testing.T) {
	_, err := DecodeInbound(Envelope{Type: "FUTURE_MESSAGE", Payload: []byte(`{}`)})
	require.Error(t, err)

	// Outbound types are not decodable as engine messages.
	_, err = DecodeInbound(Envelope{Type: InitAR, Payload: []byte(`{}`)})
	require.Error(t, err)

	_, err = DecodeInbound(Envelope{Type: ARReady, Payload: []byte(`{broken`)})
	require.Error(t, err)
}

func TestTransformValidation(t *testing.T) {
	require.NoError(t, IdentityTransform().Validate())

	tr := IdentityTransform()
	tr.Position = [3]float64{-3, 0.2, 7}
	require.NoError(t, tr.Validate())

	tr = IdentityTransform()
	tr.Rotation = [4]float64{0, 0, 0, 0.5}
	require.Error(t, tr.Validate(), "non-unit quaternion")

	tr = IdentityTransform()
	tr.Rotation = [4]float64{0, 0, 0, 1.0005}
	require.NoError(t, tr.Validate(), "within tolerance")

	for _, scale := range [][3]float64{{0.4, 1, 1}, {1, 3.1, 1}, {1, 1, 0}} {
		tr = IdentityTransform()
		tr.Scale = scale
		require.Error(t, tr.Validate(), "scale %v", scale)
	}
	tr = IdentityTransform()
	tr.Scale = [3]float64{0.5, 3.0, 1}
	require.NoError(t, tr.Validate(), "bounds are inclusive")
}

func TestIDConstructorsAreUnique(t *testing.T) {
	require.NotEqual(t, NewObjectID(), NewObjectID())
	require.NotEqual(t, NewModelID(), NewModelID())
	require.NotEqual(t, NewSceneID(), NewSceneID())
	require.NotEmpty(t, NewScanSessionID())
	require.NotEmpty(t, NewPhotoID())
}
