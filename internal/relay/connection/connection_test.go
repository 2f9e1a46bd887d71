package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
)

func TestConnectAuthenticatesThenQueriesSession(t *testing.T) {
	h := newHarness(t, okRelay(true))

	linked := make(chan bool, 4)
	h.conn.OnLinked(func(l bool) { linked <- l })

	sock := h.connectAndAuth(t)
	assert.Equal(t, "https://relay.test/rpc", sock.url)
	assert.Equal(t, []string{"HostSession", "IsLinked", "GetSessionConfig"}, sock.writtenTypes()[:3])

	var host map[string]any
	require.NoError(t, json.Unmarshal([]byte(sock.written()[0]), &host))
	assert.Equal(t, testCreds{}.ID(), host["sessionId"])
	assert.Equal(t, testCreds{}.Key(), host["sessionKey"])

	select {
	case l := <-linked:
		assert.True(t, l)
	case <-time.After(time.Second):
		t.Fatal("no link update")
	}
	assert.Equal(t, Connected, h.conn.State())
	assert.Equal(t, []State{Connecting, Connected}, h.seenStates())
}

func TestConnectRejectsDoubleConnectAndDestroyed(t *testing.T) {
	h := newHarness(t, okRelay(true))
	h.connectAndAuth(t)
	require.ErrorIs(t, h.conn.Connect(context.Background()), ErrAlreadyConnected)

	h.conn.Destroy(context.Background())
	require.ErrorIs(t, h.conn.Connect(context.Background()), ErrDestroyed)
}

func TestAuthFailureDisconnectsAndRetries(t *testing.T) {
	h := newHarness(t, func(msgType string, id int64, _ string) string {
		if msgType == "HostSession" {
			return reply(map[string]any{"type": "Fail", "id": id, "error": "bad key"})
		}
		return ""
	})

	require.NoError(t, h.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.conn.State() == Disconnected }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.relay.count())

	h.clock.Add(constants.ReconnectDelay)
	require.Eventually(t, func() bool { return h.relay.count() == 2 }, time.Second, time.Millisecond)
}

func TestHeartbeatTimeoutReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t, authOnly)
	sock := h.connectAndAuth(t)

	h.tick(t, sock)
	h.tick(t, sock)
	assert.Equal(t, 2, heartbeats(sock))
	assert.Equal(t, Connected, h.conn.State())

	// 30s without any traffic.
	h.clock.Add(constants.HeartbeatInterval)
	require.Eventually(t, func() bool { return h.conn.State() == Disconnected }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.relay.count())

	h.clock.Add(constants.ReconnectDelay - time.Second)
	assert.Never(t, func() bool { return h.relay.count() != 1 }, 20*time.Millisecond, time.Millisecond)
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return h.relay.count() == 2 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{Connecting, Connected, Disconnected, Connecting, Connected}, h.seenStates())
	}, time.Second, time.Millisecond)
}

func TestUndecodableFrameCountsAsTraffic(t *testing.T) {
	h := newHarness(t, authOnly)
	sock := h.connectAndAuth(t)

	h.tick(t, sock)
	sock.push("not a relay frame")
	require.Eventually(t, func() bool {
		h.conn.mu.Lock()
		defer h.conn.mu.Unlock()
		return h.conn.lastHeartbeat.Equal(h.clock.Now())
	}, time.Second, time.Millisecond)

	// Without the frame above this third beat would find 30s of silence.
	h.tick(t, sock)
	h.tick(t, sock)
	assert.Equal(t, Connected, h.conn.State())
	assert.Equal(t, 1, h.relay.count())
}

func TestHeartbeatEchoKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t, authOnly)
	sock := h.connectAndAuth(t)

	for i := 0; i < 5; i++ {
		h.tick(t, sock)
		n := len(sock.written())
		sock.push("h")
		// wait for the read loop to record the echo
		require.Eventually(t, func() bool {
			h.conn.mu.Lock()
			defer h.conn.mu.Unlock()
			return h.conn.lastHeartbeat.Equal(h.clock.Now())
		}, time.Second, time.Millisecond)
		assert.Equal(t, n, len(sock.written()))
	}
	assert.Equal(t, Connected, h.conn.State())
}

func TestSocketCloseSchedulesReconnectUnlessDestroyed(t *testing.T) {
	h := newHarness(t, okRelay(true))
	sock := h.connectAndAuth(t)

	sock.drop()
	require.Eventually(t, func() bool { return h.conn.State() == Disconnected }, time.Second, time.Millisecond)
	h.clock.Add(constants.ReconnectDelay)
	require.Eventually(t, func() bool { return h.relay.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.seenStates()) > 3 }, time.Second, time.Millisecond)
	assert.Contains(t, h.seenStates()[2:], Connecting)

	// Once destroyed nothing comes back.
	h.connectAndAuthExisting(t)
	h.conn.Destroy(context.Background())
	h.relay.socket(1).drop()
	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return h.relay.count() != 2 }, 20*time.Millisecond, time.Millisecond)
	assert.Equal(t, Disconnected, h.conn.State())
}

// connectAndAuthExisting waits for the latest reconnect to authenticate.
func (h *harness) connectAndAuthExisting(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.events.calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestDestroySendsDestroyedMetadata(t *testing.T) {
	h := newHarness(t, okRelay(true))
	sock := h.connectAndAuth(t)

	h.conn.Destroy(context.Background())

	var last map[string]any
	frames := sock.written()
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &last))
	assert.Equal(t, "SetSessionConfig", last["type"])
	assert.Equal(t, map[string]any{"__destroyed": "1"}, last["metadata"])

	// No heartbeat or reconnect survives the destroy.
	h.clock.Add(time.Minute)
	assert.Never(t, func() bool { return len(sock.written()) != len(frames) }, 20*time.Millisecond, time.Millisecond)
	assert.Equal(t, 1, h.relay.count())
}

func TestMakeRequestTimesOut(t *testing.T) {
	h := newHarness(t, authOnly)
	sock := h.connectAndAuth(t)

	done := make(chan error, 1)
	go func() { done <- h.conn.SetSessionMetadata(context.Background(), "k", "v") }()

	require.Eventually(t, func() bool { return hasType(sock.writtenTypes(), "SetSessionConfig") }, time.Second, time.Millisecond)
	h.clock.Add(constants.RequestTimeout)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(time.Second):
		t.Fatal("request did not time out")
	}
}

func TestPublishEventWaitsForLink(t *testing.T) {
	h := newHarness(t, okRelay(false))
	sock := h.connectAndAuth(t)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := h.conn.PublishEvent(context.Background(), web3.EventNameRequest,
			web3.NewCanceledEvent("abcd", ""), false)
		done <- result{id, err}
	}()

	select {
	case <-done:
		t.Fatal("published before the wallet linked")
	case <-time.After(50 * time.Millisecond):
	}

	sock.push(`{"type":"Linked","sessionId":"x","onlineGuests":1}`)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "ev-1", r.id)
	case <-time.After(time.Second):
		t.Fatal("publish did not complete")
	}

	var published map[string]any
	for _, f := range sock.written() {
		if typeOf(f) == "PublishEvent" {
			require.NoError(t, json.Unmarshal([]byte(f), &published))
		}
	}
	require.NotNil(t, published)
	assert.Equal(t, web3.EventNameRequest, published["event"])
	plain, err := h.cipher.Decrypt(published["data"].(string))
	require.NoError(t, err)
	var data web3.EventData
	require.NoError(t, json.Unmarshal([]byte(plain), &data))
	assert.Equal(t, web3.EventRequestCanceled, data.Type)
	assert.Equal(t, constants.AppName, data.Origin)
}

func TestPublishEventFail(t *testing.T) {
	h := newHarness(t, func(msgType string, id int64, frame string) string {
		if msgType == "PublishEvent" {
			return reply(map[string]any{"type": "Fail", "id": id, "error": "session not found"})
		}
		return okRelay(true)(msgType, id, frame)
	})
	h.connectAndAuth(t)
	require.Eventually(t, h.conn.IsLinked, time.Second, time.Millisecond)

	_, err := h.conn.PublishEvent(context.Background(), web3.EventNameRequest, web3.NewCanceledEvent("a", ""), false)
	require.EqualError(t, err, "session not found")
}

func TestMetadataDispatch(t *testing.T) {
	h := newHarness(t, okRelay(true))
	sock := h.connectAndAuth(t)

	var (
		mu       sync.Mutex
		accounts []string
		chains   []ChainUpdate
		meta     []MetadataUpdate
	)
	destroyed := make(chan struct{}, 1)
	h.conn.OnAccount(func(a string) { mu.Lock(); accounts = append(accounts, a); mu.Unlock() })
	h.conn.OnChain(func(c ChainUpdate) { mu.Lock(); chains = append(chains, c); mu.Unlock() })
	h.conn.OnMetadata(func(m MetadataUpdate) { mu.Lock(); meta = append(meta, m); mu.Unlock() })
	h.conn.OnRemoteDestroy(func() { destroyed <- struct{}{} })

	sock.push(reply(map[string]any{
		"type": "SessionConfigUpdated",
		"metadata": map[string]string{
			"EthereumAddress": h.encrypt(t, "0xabc"),
			"WalletUsername":  h.encrypt(t, "alice"),
			"AppVersion":      "not-hex",
			"ChainId":         h.encrypt(t, "10"),
			"JsonRpcUrl":      h.encrypt(t, "https://optimism.rpc"),
		},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chains) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"0xabc"}, accounts)
	assert.Equal(t, []MetadataUpdate{{Key: constants.WalletUsernameKey, Value: "alice"}}, meta)
	assert.Equal(t, ChainUpdate{ChainID: "10", JSONRPCURL: "https://optimism.rpc"}, chains[0])
	mu.Unlock()

	sock.push(`{"type":"SessionConfigUpdated","metadata":{"__destroyed":"1"}}`)
	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("remote destroy not reported")
	}
}

func TestWeb3ResponseEvents(t *testing.T) {
	h := newHarness(t, okRelay(true))

	got := make(chan Web3ResponseMessage, 4)
	h.conn.OnWeb3Response(func(m Web3ResponseMessage) { got <- m })

	resp, err := web3.Success(web3.SignEthereumMessage, "0xsig")
	require.NoError(t, err)
	body, err := json.Marshal(web3.NewResponseEvent("req-1", resp))
	require.NoError(t, err)

	// Replayed through the unseen events check after authentication.
	h.events.events = []Event{{EventID: "e1", Event: web3.EventNameResponse, Data: h.encrypt(t, string(body))}}
	sock := h.connectAndAuth(t)

	select {
	case m := <-got:
		assert.Equal(t, "req-1", m.ID)
		sig, err := web3.Decode[string](m.Response)
		require.NoError(t, err)
		assert.Equal(t, "0xsig", sig)
	case <-time.After(time.Second):
		t.Fatal("no unseen response")
	}

	// Garbage and foreign events are dropped without hurting the connection.
	sock.push(reply(map[string]any{"type": "Event", "eventId": "e2", "event": web3.EventNameResponse, "data": "zz"}))
	sock.push(reply(map[string]any{"type": "Event", "eventId": "e3", "event": web3.EventNameRequest, "data": h.encrypt(t, string(body))}))
	sock.push(reply(map[string]any{"type": "Event", "eventId": "e4", "event": web3.EventNameResponse, "data": h.encrypt(t, string(body))}))

	select {
	case m := <-got:
		assert.Equal(t, "req-1", m.ID)
	case <-time.After(time.Second):
		t.Fatal("no live response")
	}
	assert.Empty(t, got)
	assert.Equal(t, Connected, h.conn.State())
}

func typeOf(frame string) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(frame), &head)
	return head.Type
}
