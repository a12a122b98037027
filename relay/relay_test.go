package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/p2pnode/node/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inlineExecutor struct{}

func (inlineExecutor) Submit(fn func()) { fn() }

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var gotFrom, gotMsg string
	r.Register("notify", func(from, msg string) {
		mu.Lock()
		defer mu.Unlock()
		gotFrom, gotMsg = from, msg
	})

	r.Dispatch(inlineExecutor{}, codec.SocketMsgExchange{From: "alice", To: "bob", Channel: "notify", Content: "ping"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", gotFrom)
	assert.Equal(t, "ping", gotMsg)
}

func TestRegistryDispatchUnknownChannelIgnored(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("notify", func(from, msg string) { called = true })
	r.Dispatch(inlineExecutor{}, codec.SocketMsgExchange{From: "alice", To: "bob", Channel: "other", Content: "ping"})
	assert.False(t, called)
}

func TestRegistryDispatchRecoversPanickingCallback(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(from, msg string) { panic("user code exploded") })
	assert.NotPanics(t, func() {
		r.Dispatch(inlineExecutor{}, codec.SocketMsgExchange{From: "a", To: "b", Channel: "boom", Content: "x"})
	})
}

func TestSendValidation(t *testing.T) {
	err := Send(context.Background(), nil, "alice", "", "chat", "hi")
	require.Equal(t, SendSocketErrEmptyID, err)

	err = Send(context.Background(), nil, "alice", "bob", "", "hi")
	require.Equal(t, SendSocketErrEmptyChannel, err)

	err = Send(context.Background(), nil, "alice", "alice", "chat", "hi")
	require.Equal(t, SendSocketErrTriedToSendMsgToSelf, err)

	err = Send(context.Background(), nil, "alice", "bob", "chat", "hi")
	require.Equal(t, SendSocketErrNotConnectedToBroker, err)
}
