package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/mail"
	"github.com/bridi/sealchat/membership"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/registry"
	"github.com/bridi/sealchat/router"
	"github.com/bridi/sealchat/session"
	"github.com/bridi/sealchat/types"
)

type testEnv struct {
	srv       *httptest.Server
	server    *Server
	persister persistence.Persister
	sessions  session.Store
	custodian *crypto.Custodian

	clientKey *rsa.PrivateKey
	clientPEM string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "sqlite"
	// named shared in-memory database, one per test
	cfg.PersistenceConfig.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.HistoryConfig.HistorySize = 10
	cfg.LimitsConfig.SendQueueSize = 16
	cfg.LimitsConfig.MaxMessageSize = 4096
	cfg.SessionConfig.TTL = time.Hour

	persister, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	custodian, err := crypto.NewCustodian(1024)
	require.NoError(t, err)
	sessions, err := session.NewStore(cfg)
	require.NoError(t, err)
	gate, err := session.NewGate(sessions, 16)
	require.NoError(t, err)
	reg := registry.New(cfg.LimitsConfig.SendQueueSize)
	members := membership.New()
	rt := router.New(reg, members, persister)

	server := New(cfg, persister, custodian, sessions, gate, reg, members, rt, mail.New(cfg))
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = persister.Close() })

	clientKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	pkix, err := x509.MarshalPKIXPublicKey(&clientKey.PublicKey)
	require.NoError(t, err)
	clientPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}))

	return &testEnv{
		srv:       srv,
		server:    server,
		persister: persister,
		sessions:  sessions,
		custodian: custodian,
		clientKey: clientKey,
		clientPEM: clientPEM,
	}
}

// encryptToRelay encrypts a credential against the relay's public key, like a
// client that fetched /rsa-pub-key would.
func (e *testEnv) encryptToRelay(t *testing.T, plaintext string) string {
	t.Helper()
	block, _ := pem.Decode([]byte(e.custodian.PublicKeyPEM()))
	require.NotNil(t, block)
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	require.NoError(t, err)
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ciphertext)
}

// unwrapKey recovers a wrapped content key with the client's private key.
func (e *testEnv) unwrapKey(t *testing.T, wrapped string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	require.NoError(t, err)
	plain, err := rsa.DecryptPKCS1v15(nil, e.clientKey, raw)
	require.NoError(t, err)
	return string(plain)
}

func (e *testEnv) postJSON(t *testing.T, path, token string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) getWithToken(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

// signupAndLogin drives the full account flow and returns user id and session
// token. Verification happens through a token planted in the store, standing
// in for the mailed link.
func (e *testEnv) signupAndLogin(t *testing.T, username, password string) (int64, string) {
	t.Helper()
	resp := e.postJSON(t, "/signup", "", SignupRequest{
		FullName: "Test",
		Surname:  "User",
		Email:    username + "@example.com",
		Username: username,
		Password: e.encryptToRelay(t, password),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	idResp := UserIDResponse{}
	decodeBody(t, resp, &idResp)

	require.NoError(t, e.persister.StoreEmailToken(idResp.ID, "verify-"+username))
	resp = e.getWithToken(t, "/verify-email/verify-"+username, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/login", "", LoginRequest{
		Username: username,
		Password: e.encryptToRelay(t, password),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			token = cookie.Value
		}
	}
	resp.Body.Close()
	require.NotEmpty(t, token)
	return idResp.ID, token
}

func TestAccountFlow(t *testing.T) {
	e := newTestEnv(t)

	// unverified login is refused
	resp := e.postJSON(t, "/signup", "", SignupRequest{
		Email:    "eve@example.com",
		Username: "eve",
		Password: e.encryptToRelay(t, "password123"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = e.postJSON(t, "/login", "", LoginRequest{Username: "eve", Password: e.encryptToRelay(t, "password123")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	userID, token := e.signupAndLogin(t, "ada", "correct horse")

	// duplicate username is refused
	resp = e.postJSON(t, "/signup", "", SignupRequest{
		Email:    "other@example.com",
		Username: "ada",
		Password: e.encryptToRelay(t, "password123"),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = e.getWithToken(t, "/whoami", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	who := WhoAmIResponse{}
	decodeBody(t, resp, &who)
	assert.Equal(t, userID, who.ID)
	assert.Equal(t, "ada", who.Username)
	assert.False(t, who.Admin)

	// wrong password
	resp = e.postJSON(t, "/login", "", LoginRequest{Username: "ada", Password: e.encryptToRelay(t, "wrong password")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// logout invalidates the session
	resp = e.getWithToken(t, "/logout", token)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	resp = e.getWithToken(t, "/whoami", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t)
	userID, token := e.signupAndLogin(t, "ada", "correct horse")

	resp := e.postJSON(t, "/change-pass", token, ChangePasswordRequest{
		UserID:      userID,
		OldPassword: e.encryptToRelay(t, "wrong"),
		NewPassword: e.encryptToRelay(t, "new password"),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/change-pass", token, ChangePasswordRequest{
		UserID:      userID,
		OldPassword: e.encryptToRelay(t, "correct horse"),
		NewPassword: e.encryptToRelay(t, "new password"),
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/login", "", LoginRequest{Username: "ada", Password: e.encryptToRelay(t, "new password")})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRoomJoinOrCreate(t *testing.T) {
	e := newTestEnv(t)
	adaID, adaToken := e.signupAndLogin(t, "ada", "correct horse")
	bobID, bobToken := e.signupAndLogin(t, "bob", "another pass")

	// ada creates the room
	resp := e.postJSON(t, "/rooms/join", adaToken, JoinRoomRequest{
		RoomName:     "general",
		UserID:       adaID,
		RSAClientKey: e.clientPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := PubRoom{}
	decodeBody(t, resp, &created)
	assert.Equal(t, "general", created.RoomName)
	assert.Empty(t, created.Messages)
	adaKey := e.unwrapKey(t, created.Key)
	assert.Len(t, adaKey, 44) // base64 of 32 bytes

	// bob joins the same room, unwraps the same canonical key
	resp = e.postJSON(t, "/rooms/join", bobToken, JoinRoomRequest{
		RoomName:     "general",
		UserID:       bobID,
		RSAClientKey: e.clientPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	joined := PubRoom{}
	decodeBody(t, resp, &joined)
	assert.Equal(t, created.RoomID, joined.RoomID)
	assert.Equal(t, adaKey, e.unwrapKey(t, joined.Key))

	// a session cannot join on behalf of another user
	resp = e.postJSON(t, "/rooms/join", bobToken, JoinRoomRequest{
		RoomName:     "general",
		UserID:       adaID,
		RSAClientKey: e.clientPEM,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// room listing shows the visible room without key material
	resp = e.getWithToken(t, "/rooms", adaToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := make([]SearchRoom, 0)
	decodeBody(t, resp, &listing)
	require.Len(t, listing, 1)
	assert.Equal(t, "general", listing[0].RoomName)
}

func TestRoomPassword(t *testing.T) {
	e := newTestEnv(t)
	adaID, adaToken := e.signupAndLogin(t, "ada", "correct horse")
	bobID, bobToken := e.signupAndLogin(t, "bob", "another pass")

	resp := e.postJSON(t, "/rooms/join", adaToken, JoinRoomRequest{
		RoomName:        "vault",
		Password:        e.encryptToRelay(t, "room secret"),
		RequirePassword: true,
		Hidden:          true,
		UserID:          adaID,
		RSAClientKey:    e.clientPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// hidden rooms do not show up in the listing
	resp = e.getWithToken(t, "/rooms", bobToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := make([]SearchRoom, 0)
	decodeBody(t, resp, &listing)
	assert.Empty(t, listing)

	resp = e.postJSON(t, "/rooms/join", bobToken, JoinRoomRequest{
		RoomName:     "vault",
		Password:     e.encryptToRelay(t, "wrong secret"),
		UserID:       bobID,
		RSAClientKey: e.clientPEM,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/rooms/join", bobToken, JoinRoomRequest{
		RoomName:     "vault",
		Password:     e.encryptToRelay(t, "room secret"),
		UserID:       bobID,
		RSAClientKey: e.clientPEM,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestDirectChannelFlow(t *testing.T) {
	e := newTestEnv(t)
	adaID, adaToken := e.signupAndLogin(t, "ada", "correct horse")
	_, _ = e.signupAndLogin(t, "bob", "another pass")

	resp := e.postJSON(t, "/directs/add", adaToken, AddDirectRequest{
		UserID:   adaID,
		Username: "bob",
		RSAKey:   e.clientPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := AddDirectResponse{}
	decodeBody(t, resp, &first)
	firstKey := e.unwrapKey(t, first.Key)

	// adding again reuses the channel and its key
	resp = e.postJSON(t, "/directs/add", adaToken, AddDirectRequest{
		UserID:   adaID,
		Username: "bob",
		RSAKey:   e.clientPEM,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := AddDirectResponse{}
	decodeBody(t, resp, &second)
	assert.Equal(t, firstKey, e.unwrapKey(t, second.Key))

	resp = e.postJSON(t, "/directs/add", adaToken, AddDirectRequest{
		UserID:   adaID,
		Username: "ada",
		RSAKey:   e.clientPEM,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/directs", adaToken, PersonalRequest{UserID: adaID, RSAKey: e.clientPEM})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := make([]Direct, 0)
	decodeBody(t, resp, &listing)
	require.Len(t, listing, 1)
	assert.Equal(t, "bob", listing[0].Username)

	resp = e.postJSON(t, "/directs/delete", adaToken, DeleteDirectRequest{UserID: adaID, RecipientID: first.ID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.postJSON(t, "/directs", adaToken, PersonalRequest{UserID: adaID, RSAKey: e.clientPEM})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing = listing[:0]
	decodeBody(t, resp, &listing)
	assert.Empty(t, listing)
}

func (e *testEnv) dialWS(t *testing.T, userID int64, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/messages/%d?token=%s", url, userID, token), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) types.WebsocketMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		msg := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestWebsocketRelay(t *testing.T) {
	e := newTestEnv(t)
	adaID, adaToken := e.signupAndLogin(t, "ada", "correct horse")
	bobID, bobToken := e.signupAndLogin(t, "bob", "another pass")

	for _, join := range []struct {
		id    int64
		token string
	}{{adaID, adaToken}, {bobID, bobToken}} {
		resp := e.postJSON(t, "/rooms/join", join.token, JoinRoomRequest{
			RoomName:     "general",
			UserID:       join.id,
			RSAClientKey: e.clientPEM,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// admission without a session is refused
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/messages/%d", url, adaID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	adaConn := e.dialWS(t, adaID, adaToken)
	bobConn := e.dialWS(t, bobID, bobToken)

	room, err := e.persister.GetRoomByName("general")
	require.NoError(t, err)

	payload, err := json.Marshal(types.GroupEnvelope{SenderID: adaID, GroupID: room.ID, Content: "hello"})
	require.NoError(t, err)
	frame, err := json.Marshal(types.WebsocketMessage{Event: types.WireMessageTypeGroup, Data: payload})
	require.NoError(t, err)
	require.NoError(t, adaConn.WriteMessage(websocket.TextMessage, frame))

	msg := readEvent(t, bobConn, types.WireMessageTypeGroup)
	received := types.GroupEnvelope{}
	require.NoError(t, json.Unmarshal(msg.Data, &received))
	assert.Equal(t, adaID, received.SenderID)
	assert.Equal(t, "ada", received.SenderName)
	assert.Equal(t, "hello", received.Content)

	// a spoofed sender id is rejected with an error frame
	payload, err = json.Marshal(types.GroupEnvelope{SenderID: bobID, GroupID: room.ID, Content: "spoofed"})
	require.NoError(t, err)
	frame, err = json.Marshal(types.WebsocketMessage{Event: types.WireMessageTypeGroup, Data: payload})
	require.NoError(t, err)
	require.NoError(t, adaConn.WriteMessage(websocket.TextMessage, frame))
	errMsg := readEvent(t, adaConn, types.WireMessageTypeError)
	errPayload := types.ErrorMessage{}
	require.NoError(t, json.Unmarshal(errMsg.Data, &errPayload))
	assert.Contains(t, errPayload.Error, "session not matching user")

	// the message was persisted before delivery
	history, err := e.persister.RoomHistory(room.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
}

func TestReconnectKeepsMembership(t *testing.T) {
	e := newTestEnv(t)
	adaID, adaToken := e.signupAndLogin(t, "ada", "correct horse")
	bobID, bobToken := e.signupAndLogin(t, "bob", "another pass")

	for _, join := range []struct {
		id    int64
		token string
	}{{adaID, adaToken}, {bobID, bobToken}} {
		resp := e.postJSON(t, "/rooms/join", join.token, JoinRoomRequest{
			RoomName:     "general",
			UserID:       join.id,
			RSAClientKey: e.clientPEM,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	room, err := e.persister.GetRoomByName("general")
	require.NoError(t, err)

	adaConn := e.dialWS(t, adaID, adaToken)
	first := e.dialWS(t, bobID, bobToken)
	second := e.dialWS(t, bobID, bobToken)

	// registering the second connection closes the first one's channel; wait
	// until its write loop has closed the socket and its teardown has run
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)

	// the replaced connection's teardown must not strip the membership its
	// replacement seeded
	assert.True(t, e.server.registry.Connected(bobID))
	assert.Contains(t, e.server.members.MembersOf(room.ID), bobID)

	// and a group send still reaches the replacement socket
	payload, err := json.Marshal(types.GroupEnvelope{SenderID: adaID, GroupID: room.ID, Content: "still there?"})
	require.NoError(t, err)
	frame, err := json.Marshal(types.WebsocketMessage{Event: types.WireMessageTypeGroup, Data: payload})
	require.NoError(t, err)
	require.NoError(t, adaConn.WriteMessage(websocket.TextMessage, frame))

	msg := readEvent(t, second, types.WireMessageTypeGroup)
	received := types.GroupEnvelope{}
	require.NoError(t, json.Unmarshal(msg.Data, &received))
	assert.Equal(t, "still there?", received.Content)
}
