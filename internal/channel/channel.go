// Package channel defines the transport contract between the outside
// world and the engine, plus the local terminal implementation.
package channel

import "context"

// LocalSender is the identity of the terminal user. It is always
// allowed, even with an empty allow-list.
const LocalSender = "local"

// Message is one inbound message from a channel.
type Message struct {
	SessionID string
	Sender    string
	Text      string
}

// Channel is a bidirectional message transport. Implementations own
// identity allow-listing for their inbound side; the runtime checks
// again with an AllowList before a message reaches the engine.
type Channel interface {
	// Name identifies the channel in logs and exec context.
	Name() string
	// Receive blocks until the next inbound message, io.EOF when the
	// channel closes, or ctx cancellation.
	Receive(ctx context.Context) (*Message, error)
	// Send delivers reply text to the session's user.
	Send(sessionID, text string) error
	// SendFile delivers a generated file.
	SendFile(sessionID, name string, content []byte) error
	// Activity surfaces engine progress (typing indicators). Best
	// effort, may be a no-op.
	Activity(sessionID, note string)
}

// AllowList decides which sender identities may reach the engine.
type AllowList struct {
	senders map[string]struct{}
}

// NewAllowList builds an allow-list. The local terminal sender is
// always included.
func NewAllowList(senders []string) *AllowList {
	a := &AllowList{senders: make(map[string]struct{}, len(senders)+1)}
	a.senders[LocalSender] = struct{}{}
	for _, s := range senders {
		if s != "" {
			a.senders[s] = struct{}{}
		}
	}
	return a
}

// Allowed reports whether the sender may reach the engine.
func (a *AllowList) Allowed(sender string) bool {
	_, ok := a.senders[sender]
	return ok
}
