package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/types"
	"github.com/bridi/sealchat/ws"
)

// handleMessages is the websocket admission point. The session must resolve
// and its user id must match the path; an unauthenticated connect is refused
// before the upgrade, never downgraded.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.gate.Check(identity, userID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	// optional per-connection delivery filter, compiled before the upgrade so
	// a broken expression fails the request
	deliveryFilter, err := ws.CompileDeliveryFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not compile delivery filter")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("could not upgrade connection", "user_id", userID, "error", err)
		return
	}

	out := s.registry.Register(userID, deliveryFilter)

	// seed the index with this user's persisted rooms; other connected members
	// were added when they connected themselves
	persisted, err := s.persister.LoadMembership(userID)
	if err != nil {
		globals.AppLogger.Error("could not load membership", "user_id", userID, "error", err)
	} else {
		for _, roomID := range persisted {
			s.members.Add(roomID, userID)
		}
	}

	client := ws.NewClient(conn, out, identity, s.gate, s.router, s.cfg.LimitsConfig.MaxMessageSize)
	go client.WriteLoop()
	go func() {
		client.ReadLoop()
		// membership is cleaned up only when this connection was still the
		// registered one: a replaced connection's teardown must not strip
		// the entries its replacement just seeded
		if s.registry.Unregister(userID, out) {
			s.members.RemoveAll(userID)
			s.broadcastInfo()
		}
		globals.AppLogger.Info("connection closed", "user_id", userID, "connections", s.registry.Count())
	}()

	s.broadcastInfo()
	globals.AppLogger.Info("connection established", "user_id", userID, "connections", s.registry.Count())
}

// broadcastInfo pushes the current connection count to every live connection.
func (s *Server) broadcastInfo() {
	data, err := json.Marshal(types.InfoMessage{NoConnections: s.registry.Count()})
	if err != nil {
		return
	}
	frame, err := json.Marshal(types.WebsocketMessage{Event: types.WireMessageTypeInfo, Data: data})
	if err != nil {
		return
	}
	s.registry.Broadcast(frame)
}
