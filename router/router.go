// Package router turns validated inbound envelopes into persisted messages and
// fans the serialized frame out to the connected recipients. Persistence always
// happens before the first delivery attempt.
package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bridi/sealchat/filter"
	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/membership"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/registry"
	"github.com/bridi/sealchat/types"
)

// ValidationError rejects a single inbound frame. It is reported back to the
// sender and never affects other connections.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

type Router struct {
	registry  *registry.Registry
	members   *membership.Index
	persister persistence.Persister
}

func New(reg *registry.Registry, members *membership.Index, persister persistence.Persister) *Router {
	return &Router{registry: reg, members: members, persister: persister}
}

// Route validates, persists and delivers one envelope on behalf of ident.
// Group envelopes go to every currently connected room member except the
// sender; direct envelopes go to the recipient. An offline recipient is not an
// error, the message is already durable by the time fan-out starts.
func (rt *Router) Route(env *types.Envelope, ident types.Identity) error {
	if env.Direct == nil && env.Group == nil {
		return &ValidationError{Reason: "empty envelope"}
	}
	if env.Direct != nil && env.Group != nil {
		return &ValidationError{Reason: "ambiguous envelope"}
	}
	if env.SenderID() != ident.UserID {
		return &ValidationError{Reason: fmt.Sprintf("sender %d does not match session user %d", env.SenderID(), ident.UserID)}
	}
	if env.Empty() {
		return &ValidationError{Reason: "empty content"}
	}

	if env.Direct != nil {
		return rt.routeDirect(env.Direct, ident)
	}
	return rt.routeGroup(env.Group, ident)
}

func (rt *Router) routeDirect(d *types.DirectEnvelope, ident types.Identity) error {
	if d.Recipient == ident.UserID {
		return &ValidationError{Reason: "direct message to self"}
	}
	channel, err := rt.persister.GetDirect(ident.UserID, d.Recipient)
	if err == persistence.ErrNotFound {
		return &ValidationError{Reason: fmt.Sprintf("no direct channel with user %d", d.Recipient)}
	}
	if err != nil {
		return &persistence.Error{Op: "resolve direct channel", Err: err}
	}

	msg := &types.Message{
		DirectID:   channel.ID,
		SenderID:   ident.UserID,
		SenderName: ident.DisplayName,
		Content:    d.Content,
		Timestamp:  time.Now().UTC(),
	}
	if err := rt.persist(msg); err != nil {
		return err
	}

	frame, err := directFrame(d, ident)
	if err != nil {
		return err
	}
	env := &filter.Env{
		Sender:  filter.Sender{ID: ident.UserID, Name: ident.DisplayName},
		Direct:  true,
		Content: d.Content,
	}
	if rt.registry.SendTo(d.Recipient, frame, env) == registry.NotConnected {
		globals.AppLogger.Debug("direct recipient offline, stored only", "recipient", d.Recipient)
	}
	return nil
}

func (rt *Router) routeGroup(g *types.GroupEnvelope, ident types.Identity) error {
	msg := &types.Message{
		RoomID:     g.GroupID,
		SenderID:   ident.UserID,
		SenderName: ident.DisplayName,
		Content:    g.Content,
		Timestamp:  time.Now().UTC(),
	}
	if err := rt.persist(msg); err != nil {
		return err
	}

	frame, err := groupFrame(g, ident)
	if err != nil {
		return err
	}
	// snapshot of the currently connected members, taken after persistence
	for _, userID := range rt.members.MembersOf(g.GroupID) {
		if userID == ident.UserID {
			continue
		}
		env := &filter.Env{
			Sender:  filter.Sender{ID: ident.UserID, Name: ident.DisplayName},
			Target:  filter.Target{ID: userID},
			Room:    filter.Room{ID: g.GroupID},
			Content: g.Content,
		}
		rt.registry.SendTo(userID, frame, env)
	}
	return nil
}

// SendRaw pushes a pre-serialized frame to one user, bypassing delivery
// filters. Used for error and info frames.
func (rt *Router) SendRaw(userID int64, frame []byte) registry.Result {
	return rt.registry.SendTo(userID, frame, nil)
}

func (rt *Router) persist(msg *types.Message) error {
	if err := msg.CreateId(); err != nil {
		return &persistence.Error{Op: "derive message id", Err: err}
	}
	if err := rt.persister.StoreMessage(msg); err != nil {
		return &persistence.Error{Op: "store message", Err: err}
	}
	return nil
}

func directFrame(d *types.DirectEnvelope, ident types.Identity) ([]byte, error) {
	out := types.DirectEnvelope{Sender: ident.UserID, Recipient: d.Recipient, Content: d.Content}
	return marshalFrame(types.WireMessageTypeDirect, out)
}

func groupFrame(g *types.GroupEnvelope, ident types.Identity) ([]byte, error) {
	out := types.GroupEnvelope{
		SenderID:   ident.UserID,
		SenderName: ident.DisplayName,
		GroupID:    g.GroupID,
		Content:    g.Content,
	}
	return marshalFrame(types.WireMessageTypeGroup, out)
}

func marshalFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Reason: "unserializable payload"}
	}
	return json.Marshal(types.WebsocketMessage{Event: event, Data: data})
}
