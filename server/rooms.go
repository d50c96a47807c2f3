package server

import (
	"net/http"
	"strings"

	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/types"
)

const maxRoomNameLength = 30

// JoinRoomRequest joins a room by name, creating it if it does not exist yet.
// Password, when set, is RSA-encrypted against the relay public key.
type JoinRoomRequest struct {
	RoomName        string `json:"room_name"`
	Password        string `json:"password"`
	RequirePassword bool   `json:"require_password"`
	Hidden          bool   `json:"hidden"`
	UserID          int64  `json:"user_id"`
	RSAClientKey    string `json:"rsa_client_key"`
}

// PubRoom is the join/list response: the room, its content key wrapped to the
// requesting client's public key, and the replayed history.
type PubRoom struct {
	RoomID   int64                 `json:"room_id"`
	RoomName string                `json:"room_name"`
	Key      string                `json:"key"`
	Messages []types.GroupEnvelope `json:"messages"`
}

// SearchRoom is one entry of the public room listing. No key material.
type SearchRoom struct {
	RoomID          int64  `json:"room_id"`
	RoomName        string `json:"room_name"`
	RequirePassword bool   `json:"require_password"`
}

type LeaveRoomRequest struct {
	RoomID int64 `json:"room_id"`
	UserID int64 `json:"user_id"`
}

// PersonalRequest asks for the caller's rooms or direct channels, with keys
// wrapped to the supplied client public key.
type PersonalRequest struct {
	UserID int64  `json:"user_id"`
	RSAKey string `json:"rsa_key"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := JoinRoomRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	if req.RoomName == "" || len(req.RoomName) > maxRoomNameLength {
		writeError(w, http.StatusBadRequest, "room name must be between 1 and 30 characters")
		return
	}

	room, err := s.persister.GetRoomByName(req.RoomName)
	switch {
	case err == persistence.ErrNotFound:
		s.createRoom(w, &req)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "database error")
	default:
		s.joinExistingRoom(w, &req, room)
	}
}

func (s *Server) joinExistingRoom(w http.ResponseWriter, req *JoinRoomRequest, room *types.Room) {
	if room.RequirePassword {
		password, err := s.custodian.Unwrap(req.Password)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not decrypt password")
			return
		}
		if !crypto.VerifyPassword(password, room.Salt, room.PasswordHash) {
			writeError(w, http.StatusUnauthorized, "wrong password")
			return
		}
	}
	if err := s.persister.AddMember(room.ID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	// the index tracks connected users only
	if s.registry.Connected(req.UserID) {
		s.members.Add(room.ID, req.UserID)
	}
	s.respondWithRoom(w, req.RSAClientKey, room)
}

func (s *Server) createRoom(w http.ResponseWriter, req *JoinRoomRequest) {
	key, err := s.custodian.NewSymmetricKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate room key")
		return
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate salt")
		return
	}
	room := &types.Room{
		Name:            req.RoomName,
		Salt:            salt,
		RequirePassword: req.RequirePassword,
		Hidden:          req.Hidden,
		SymmetricKey:    key,
	}
	if req.RequirePassword {
		password, err := s.custodian.Unwrap(req.Password)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not decrypt password")
			return
		}
		hash, err := crypto.HashPassword(password, salt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not hash password")
			return
		}
		room.PasswordHash = hash
	}
	if err := s.persister.StoreRoom(room); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := s.persister.AddMember(room.ID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if s.registry.Connected(req.UserID) {
		s.members.Add(room.ID, req.UserID)
	}
	globals.AppLogger.Info("room created", "room", room.Name, "room_id", room.ID, "creator", req.UserID)
	s.respondWithRoom(w, req.RSAClientKey, room)
}

// respondWithRoom wraps the room key to the client and replays the history.
// Exactly one wrap happens per join or creation.
func (s *Server) respondWithRoom(w http.ResponseWriter, clientKeyPEM string, room *types.Room) {
	wrapped, err := s.custodian.Wrap(room.SymmetricKey, clientKeyPEM)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not wrap room key")
		return
	}
	history, err := s.roomHistory(room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, PubRoom{
		RoomID:   room.ID,
		RoomName: room.Name,
		Key:      wrapped,
		Messages: history,
	})
}

func (s *Server) roomHistory(roomID int64) ([]types.GroupEnvelope, error) {
	messages, err := s.persister.RoomHistory(roomID, s.cfg.HistoryConfig.HistorySize)
	if err != nil {
		return nil, err
	}
	history := make([]types.GroupEnvelope, 0, len(messages))
	for _, msg := range messages {
		history = append(history, types.GroupEnvelope{
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			GroupID:    msg.RoomID,
			Content:    msg.Content,
		})
	}
	return history, nil
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := LeaveRoomRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.persister.RemoveMember(req.RoomID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	s.members.Remove(req.RoomID, req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.admit(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	rooms, err := s.persister.VisibleRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	listing := make([]SearchRoom, 0, len(rooms))
	for _, room := range rooms {
		listing = append(listing, SearchRoom{
			RoomID:          room.ID,
			RoomName:        room.Name,
			RequirePassword: room.RequirePassword,
		})
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handlePersonalRooms(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := PersonalRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	rooms, err := s.persister.RoomsForUser(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	personal := make([]PubRoom, 0, len(rooms))
	for _, room := range rooms {
		wrapped, err := s.custodian.Wrap(room.SymmetricKey, req.RSAKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not wrap room key")
			return
		}
		history, err := s.roomHistory(room.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		personal = append(personal, PubRoom{
			RoomID:   room.ID,
			RoomName: room.Name,
			Key:      wrapped,
			Messages: history,
		})
	}
	writeJSON(w, http.StatusOK, personal)
}
