package server

import (
	"net/http"

	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/types"
)

// AddDirectRequest opens (or re-opens) a direct channel with another user,
// addressed by username.
type AddDirectRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	RSAKey   string `json:"rsa_key"`
}

// AddDirectResponse carries the counterpart's id and the channel key wrapped
// to the caller's public key.
type AddDirectResponse struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`
}

type DeleteDirectRequest struct {
	UserID      int64 `json:"user_id"`
	RecipientID int64 `json:"recipient_id"`
}

// Direct is one entry of the direct-channel listing.
type Direct struct {
	UserID   int64                  `json:"user_id"`
	Username string                 `json:"username"`
	Key      string                 `json:"key"`
	Messages []types.DirectEnvelope `json:"messages"`
}

func (s *Server) handleAddDirect(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := AddDirectRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	recipient, err := s.persister.GetUserByUsername(req.Username)
	if err == persistence.ErrNotFound {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if recipient.ID == req.UserID {
		writeError(w, http.StatusBadRequest, "cannot open a direct channel with yourself")
		return
	}

	// idempotent per pair: a second add returns the existing channel key
	channel, err := s.persister.GetDirect(req.UserID, recipient.ID)
	if err == persistence.ErrNotFound {
		key, err := s.custodian.NewSymmetricKey()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not generate channel key")
			return
		}
		channel = &types.DirectChannel{UserAID: req.UserID, UserBID: recipient.ID, SymmetricKey: key}
		if err := s.persister.StoreDirect(channel); err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		globals.AppLogger.Info("direct channel created", "direct_id", channel.ID, "user_a", channel.UserAID, "user_b", channel.UserBID)
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	wrapped, err := s.custodian.Wrap(channel.SymmetricKey, req.RSAKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not wrap channel key")
		return
	}
	writeJSON(w, http.StatusOK, AddDirectResponse{ID: recipient.ID, Key: wrapped})
}

func (s *Server) handleDeleteDirect(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.admit(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req := DeleteDirectRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.gate.Check(identity, req.UserID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.persister.DeleteDirect(req.UserID, req.RecipientID); err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDirects(w http.ResponseWriter, r *http.Request) {
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
	channels, err := s.persister.DirectsForUser(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	listing := make([]Direct, 0, len(channels))
	for _, channel := range channels {
		otherID := channel.UserAID
		if otherID == req.UserID {
			otherID = channel.UserBID
		}
		other, err := s.persister.GetUser(otherID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		wrapped, err := s.custodian.Wrap(channel.SymmetricKey, req.RSAKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not wrap channel key")
			return
		}
		messages, err := s.persister.DirectHistory(channel.ID, s.cfg.HistoryConfig.HistorySize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		history := make([]types.DirectEnvelope, 0, len(messages))
		for _, msg := range messages {
			recipient := otherID
			if msg.SenderID == otherID {
				recipient = req.UserID
			}
			history = append(history, types.DirectEnvelope{
				Sender:    msg.SenderID,
				Recipient: recipient,
				Content:   msg.Content,
			})
		}
		listing = append(listing, Direct{
			UserID:   other.ID,
			Username: other.Username,
			Key:      wrapped,
			Messages: history,
		})
	}
	writeJSON(w, http.StatusOK, listing)
}
