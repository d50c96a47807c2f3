// Package server exposes the relay over HTTP: websocket admission, room and
// direct-channel management, account handling and the relay public key. All
// state-changing routes are gated on a valid session.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

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

const sessionCookieName = "token"

type Server struct {
	cfg       *config.Config
	persister persistence.Persister
	custodian *crypto.Custodian
	sessions  session.Store
	gate      *session.Gate
	registry  *registry.Registry
	members   *membership.Index
	router    *router.Router
	mailer    mail.Mailer

	upgrader websocket.Upgrader
}

func New(cfg *config.Config, persister persistence.Persister, custodian *crypto.Custodian,
	sessions session.Store, gate *session.Gate, reg *registry.Registry,
	members *membership.Index, rt *router.Router, mailer mail.Mailer) *Server {
	return &Server{
		cfg:       cfg,
		persister: persister,
		custodian: custodian,
		sessions:  sessions,
		gate:      gate,
		registry:  reg,
		members:   members,
		router:    rt,
		mailer:    mailer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/messages/{user_id:[0-9]+}", s.handleMessages).Methods(http.MethodGet)

	r.HandleFunc("/rooms/join", s.handleJoinRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/leave", s.handleLeaveRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/personal", s.handlePersonalRooms).Methods(http.MethodPost)

	r.HandleFunc("/directs/add", s.handleAddDirect).Methods(http.MethodPost)
	r.HandleFunc("/directs/delete", s.handleDeleteDirect).Methods(http.MethodPost)
	r.HandleFunc("/directs", s.handleListDirects).Methods(http.MethodPost)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/verify-email/{token}", s.handleVerifyEmail).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet)
	r.HandleFunc("/whoami", s.handleWhoAmI).Methods(http.MethodGet)
	r.HandleFunc("/change-pass", s.handleChangePassword).Methods(http.MethodPost)

	r.HandleFunc("/rsa-pub-key", s.handlePublicKey).Methods(http.MethodGet)
	return r
}

func (s *Server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write([]byte(s.custodian.PublicKeyPEM()))
}

// sessionToken extracts the session token from the cookie or, as a fallback
// for websocket clients that cannot set cookies, the query string.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(sessionCookieName)
}

// admit resolves the request's session. The returned token is needed for
// logout.
func (s *Server) admit(r *http.Request) (types.Identity, string, error) {
	token := sessionToken(r)
	identity, err := s.gate.Admit(token)
	return identity, token, err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.ErrorMessage{Error: message})
}

func readJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse request body")
		return false
	}
	return true
}
