// Package transport carries sync protocol envelopes between a replica and
// the sync server, over a websocket or in-process.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
)

// Envelope wraps every message on the wire. Requests and their responses
// share an ID; server notifications carry an empty ID.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error half of a response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the body back into an AppError.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	return apperrors.New(apperrors.ErrorCode(b.Code), b.Message)
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(id, typ string, payload interface{}) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// ErrorEnvelope builds the response to a failed request.
func ErrorEnvelope(req Envelope, err error) Envelope {
	return Envelope{
		ID:   req.ID,
		Type: req.Type,
		Error: &ErrorBody{
			Code:    string(apperrors.CodeOf(err)),
			Message: err.Error(),
		},
	}
}

// Decode unmarshals the payload into out. A nil out is allowed.
func (e Envelope) Decode(out interface{}) error {
	if e.Error != nil {
		return e.Error.Err()
	}
	if out == nil || len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncProtocol, fmt.Sprintf("malformed %s payload", e.Type), err)
	}
	return nil
}

// Sender issues one request and decodes its response into out.
type Sender interface {
	Send(ctx context.Context, command string, payload, out interface{}) error
}

// Conn is one established session with the server.
type Conn interface {
	Sender
	// Notifications delivers server-initiated envelopes.
	Notifications() <-chan Envelope
	// Done is closed when the session ends.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler serves the server side of sessions. Attach registers a session
// and a function pushing notifications to it.
type Handler interface {
	Attach(notify func(Envelope)) string
	Detach(sessionID string)
	Handle(ctx context.Context, sessionID string, req Envelope) Envelope
}
