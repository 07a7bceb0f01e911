// Package protocol defines the control messages exchanged between a policy
// manager and its trainers, and a line delimited JSON codec for them.
//
// The set of tags is closed. A message is validated when it is decoded, so a
// receiver never acts on a message with an unknown tag or missing fields.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeu5/dist-rl-training/core"
)

type Tag string

const (
	// TagInitPolicyState carries the initial states of the policies a
	// trainer owns. No reply.
	TagInitPolicyState Tag = "INIT_POLICY_STATE"
	// TagTrain carries the experiences for the policies a trainer owns.
	// Answered by TagTrainReply.
	TagTrain Tag = "TRAIN"
	// TagTrainReply carries the states of the policies that changed.
	TagTrainReply Tag = "TRAIN_REPLY"
	// TagQuit stops a process worker. No reply.
	TagQuit Tag = "QUIT"
	// TagExit stops a remote trainer. No reply.
	TagExit Tag = "EXIT"
	// TagError reports a failure that ended a trainer session.
	TagError Tag = "ERROR"
)

func (t Tag) Valid() bool {
	switch t {
	case TagInitPolicyState, TagTrain, TagTrainReply, TagQuit, TagExit, TagError:
		return true
	}
	return false
}

// Terminal reports whether the tag ends a trainer session.
func (t Tag) Terminal() bool {
	return t == TagQuit || t == TagExit
}

type Message struct {
	Tag     Tag    `json:"tag"`
	ID      string `json:"id,omitempty"`
	Trainer string `json:"trainer,omitempty"`

	States      map[string]core.PolicyState `json:"states,omitempty"`
	Experiences core.Batch                  `json:"experiences,omitempty"`
	Error       string                      `json:"error,omitempty"`
}

func NewInit(trainer string, states map[string]core.PolicyState) *Message {
	return &Message{
		Tag:     TagInitPolicyState,
		ID:      uuid.NewString(),
		Trainer: trainer,
		States:  core.CopyStates(states),
	}
}

func NewTrain(trainer string, batch core.Batch) *Message {
	return &Message{
		Tag:         TagTrain,
		ID:          uuid.NewString(),
		Trainer:     trainer,
		Experiences: batch.Copy(),
	}
}

// NewTrainReply answers the given TRAIN message. Only changed policies
// belong in states.
func NewTrainReply(req *Message, states map[string]core.PolicyState) *Message {
	return &Message{
		Tag:     TagTrainReply,
		ID:      req.ID,
		Trainer: req.Trainer,
		States:  states,
	}
}

func NewQuit() *Message {
	return &Message{Tag: TagQuit}
}

func NewExit() *Message {
	return &Message{Tag: TagExit}
}

func NewError(id, trainer string, err error) *Message {
	return &Message{
		Tag:     TagError,
		ID:      id,
		Trainer: trainer,
		Error:   err.Error(),
	}
}

// Validate checks the fields required by the tag.
func (m *Message) Validate() error {
	switch m.Tag {
	case TagInitPolicyState:
		if m.States == nil {
			return fmt.Errorf("%w: %s without states", core.ErrProtocolViolation, m.Tag)
		}
	case TagTrain:
		if m.ID == "" {
			return fmt.Errorf("%w: %s without id", core.ErrProtocolViolation, m.Tag)
		}
		if len(m.Experiences) == 0 {
			return fmt.Errorf("%w: %s without experiences", core.ErrProtocolViolation, m.Tag)
		}
	case TagTrainReply:
		if m.ID == "" {
			return fmt.Errorf("%w: %s without id", core.ErrProtocolViolation, m.Tag)
		}
	case TagError:
		if m.Error == "" {
			return fmt.Errorf("%w: %s without error text", core.ErrProtocolViolation, m.Tag)
		}
	case TagQuit, TagExit:
	default:
		return fmt.Errorf("%w: unknown tag %q", core.ErrProtocolViolation, m.Tag)
	}
	return nil
}

// Decode parses and validates a single message.
func Decode(bs []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(bs, m); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %s", core.ErrProtocolViolation, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
