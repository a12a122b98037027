package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConnectionAttempt(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid offer", `{"platformFrom":"go","versionFrom":"1.0","from":"alice","to":"bob","sessionId":"sid-1","sessionDescription":{"type":"offer","sdp":"v=0"}}`, false},
		{"missing from", `{"to":"bob","sessionId":"sid-1","sessionDescription":{"type":"offer","sdp":"v=0"}}`, true},
		{"missing sessionId", `{"from":"alice","to":"bob","sessionDescription":{"type":"offer","sdp":"v=0"}}`, true},
		{"missing sessionDescription", `{"from":"alice","to":"bob","sessionId":"sid-1"}`, true},
		{"unknown sdp type", `{"from":"alice","to":"bob","sessionId":"sid-1","sessionDescription":{"type":"bogus","sdp":"v=0"}}`, true},
		{"empty sdp body", `{"from":"alice","to":"bob","sessionId":"sid-1","sessionDescription":{"type":"offer","sdp":""}}`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := DecodeConnectionAttempt([]byte(c.data))
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", msg.From)
			assert.Equal(t, "bob", msg.To)
			assert.Equal(t, "sid-1", msg.SessionID)
			assert.Equal(t, SDPOffer, msg.SessionDescription.Type)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{PlatformFrom: "go", VersionFrom: "1.0", From: "alice", To: "bob", SessionID: "sid-2"}
	sdp := SessionDescription{Type: SDPAnswer, SDP: "v=0 answer"}
	data, err := EncodeSessionDescMsg(env, sdp)
	require.NoError(t, err)

	decoded, err := DecodeConnectionAcceptance(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded.Envelope)
	assert.Equal(t, sdp, decoded.SessionDescription)
}

func TestDecodeICEMsg(t *testing.T) {
	env := Envelope{From: "alice", To: "bob", SessionID: "sid-3"}
	cand := ICECandidate{SDP: "candidate:1 udp", SDPMid: "0", SDPMLineIndex: 0}
	data, err := EncodeICEMsg(env, cand)
	require.NoError(t, err)

	decoded, err := DecodeICEMsg(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded.Envelope)
	assert.Equal(t, cand, decoded.Candidate)

	_, err = DecodeICEMsg([]byte(`{"from":"a","to":"b","sessionId":"s","candidate":{}}`))
	assert.Error(t, err)
}

func TestDecodeSocketMsgExchange(t *testing.T) {
	m := SocketMsgExchange{From: "alice", To: "bob", Channel: "notify", Content: "ping"}
	data, err := EncodeSocketMsgExchange(m)
	require.NoError(t, err)

	decoded, err := DecodeSocketMsgExchange(data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	_, err = DecodeSocketMsgExchange([]byte(`{"from":"a","to":"b"}`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeOnly(t *testing.T) {
	env := Envelope{From: "alice", To: "bob", SessionID: "sid-4"}
	data, err := EncodeEnvelopeOnly(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelopeOnly(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeAreNodesConnectedResponse(t *testing.T) {
	data := []byte(`[{"id":"alice","connected":true},{"id":"bob","connected":false}]`)
	statuses, err := DecodeAreNodesConnectedResponse(data)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)
}
