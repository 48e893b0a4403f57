package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"chainpad/backend/internal/auth"
	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/ws"
)

type testRelay struct {
	srv      *httptest.Server
	registry *collab.Registry
}

func newTestRelay(t *testing.T, issuer *auth.Issuer, history cache.HistoryCache, interval int) *testRelay {
	gin.SetMode(gin.TestMode)
	presence := cache.NewMemoryPresence()
	registry := collab.NewRegistry(chainpad.Config{CheckpointInterval: interval}, history, nil, nil, nil)
	hub := ws.NewHub(presence)
	manager := ws.NewManager(hub, registry, nil, ws.ManagerOptions{PresenceTTL: time.Minute})
	router := NewRouter(RouterOptions{Registry: registry, Presence: presence, Manager: manager, Issuer: issuer})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		registry.Close()
	})
	return &testRelay{srv: srv, registry: registry}
}

func (r *testRelay) wsURL(padID, query string) string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/pads/" + padID + "/ws?" + query
}

func dial(t *testing.T, url string, header http.Header) *ws.Peer {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := ws.Dial(ctx, url, ws.PeerOptions{Header: header, AutoSync: true, Heartbeat: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if err := p.WaitSynced(ctx); err != nil {
		t.Fatalf("wait synced: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func idle(peers ...*ws.Peer) bool {
	for _, p := range peers {
		if p.Engine().Pending() > 0 || p.Engine().Buffered() > 0 {
			return false
		}
	}
	doc := peers[0].Engine().UserDoc()
	for _, p := range peers[1:] {
		if p.Engine().UserDoc() != doc {
			return false
		}
	}
	return true
}

func TestRelayConvergesAndReplays(t *testing.T) {
	relay := newTestRelay(t, nil, cache.NewMemoryHistory(), 2)
	alice := dial(t, relay.wsURL("notes", "name=alice"), nil)
	bob := dial(t, relay.wsURL("notes", "name=bob"), nil)
	assert.NotEqual(t, alice.Engine().UserName(), bob.Engine().UserName())
	assert.Equal(t, alice.PadID(), "notes")

	// 检查点间隔很小，并发分叉会跨过好几次裁剪
	const edits = 30
	for i := 0; i < edits; i++ {
		assert.Equal(t, alice.Engine().Change(0, 0, "a"), nil)
		assert.Equal(t, bob.Engine().Change(0, 0, "b"), nil)
	}
	eventually(t, "convergence", func() bool { return idle(alice, bob) })
	doc := alice.Engine().UserDoc()
	assert.Equal(t, strings.Count(doc, "a"), edits)
	assert.Equal(t, strings.Count(doc, "b"), edits)

	// 归档节点和客户端一致
	pad, err := relay.registry.Get(context.Background(), "notes")
	assert.Equal(t, err, nil)
	eventually(t, "archive", func() bool { return pad.Status().Doc == doc })

	// 后加入的节点从历史回放
	carol := dial(t, relay.wsURL("notes", "name=carol"), nil)
	eventually(t, "replay", func() bool { return idle(alice, bob, carol) })
	assert.Equal(t, carol.Engine().AuthDoc(), doc)
	eventually(t, "same tip", func() bool {
		return carol.Engine().AuthBlock().Hash == alice.Engine().AuthBlock().Hash
	})

	eventually(t, "presence", func() bool { return len(carol.Members()) == 3 })

	res, err := http.Get(relay.srv.URL + "/pads/notes")
	assert.Equal(t, err, nil)
	defer res.Body.Close()
	var st collab.Status
	assert.Equal(t, json.NewDecoder(res.Body).Decode(&st), nil)
	assert.Equal(t, st.Doc, doc)
	assert.Equal(t, st.CheckpointInterval, 2)
	// 中继历史从最近的归档 root 开始
	assert.NotEqual(t, st.Root, chain.Genesis().Digest())
	assert.Equal(t, st.Messages < 2*edits, true)

	res2, err := http.Get(relay.srv.URL + "/pads/notes/members")
	assert.Equal(t, err, nil)
	defer res2.Body.Close()
	var members struct {
		Members []cache.PresenceMember `json:"members"`
	}
	assert.Equal(t, json.NewDecoder(res2.Body).Decode(&members), nil)
	assert.Equal(t, len(members.Members), 3)
}

func TestRelayRestartKeepsHistory(t *testing.T) {
	history := cache.NewMemoryHistory()
	first := newTestRelay(t, nil, history, 5)
	alice := dial(t, first.wsURL("pad-1", "name=alice"), nil)
	assert.Equal(t, alice.Engine().Change(0, 0, "persisted"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, alice.WaitIdle(ctx), nil)
	assert.Equal(t, alice.Close(), nil)
	eventually(t, "history", func() bool {
		h, _ := history.Load(context.Background(), "pad-1")
		return len(h) == 1
	})

	second := newTestRelay(t, nil, history, 5)
	bob := dial(t, second.wsURL("pad-1", "name=bob"), nil)
	assert.Equal(t, bob.Engine().UserDoc(), "persisted")
}

func TestAuthAndTokens(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", time.Minute)
	assert.Equal(t, err, nil)
	relay := newTestRelay(t, issuer, cache.NewMemoryHistory(), 5)

	res, err := http.Get(relay.srv.URL + "/pads/doc")
	assert.Equal(t, err, nil)
	res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusUnauthorized)

	body, _ := json.Marshal(map[string]string{"name": "alice"})
	res, err = http.Post(relay.srv.URL+"/tokens", "application/json", bytes.NewReader(body))
	assert.Equal(t, err, nil)
	var tok struct {
		AccessToken string `json:"accessToken"`
	}
	assert.Equal(t, json.NewDecoder(res.Body).Decode(&tok), nil)
	res.Body.Close()
	assert.NotEqual(t, tok.AccessToken, "")

	req, _ := http.NewRequest(http.MethodGet, relay.srv.URL+"/pads/doc", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	res, err = http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusOK)

	// websocket 走 ?token=
	alice := dial(t, relay.wsURL("doc", "token="+tok.AccessToken), nil)
	assert.Equal(t, strings.HasPrefix(alice.Engine().UserName(), "alice@"), true)

	res, err = http.Get(relay.srv.URL + "/pads/bad%20id?token=" + tok.AccessToken)
	assert.Equal(t, err, nil)
	res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusBadRequest)

	res, err = http.Get(relay.srv.URL + "/healthz")
	assert.Equal(t, err, nil)
	res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusOK)
}
