// Package session implements the lifecycle of a single support session:
// the state machine, the maximum-duration timer and the controller that
// ties them to the quota and the session records.
package session

import (
	"fmt"

	"github.com/ashureev/hearthly/internal/domain"
)

// EventKind identifies a user or backend action applied to the state machine.
type EventKind int

const (
	EventStartListening EventKind = iota
	EventStopListening
	EventResponseReceived
	EventFinish
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventStartListening:
		return "startListening"
	case EventStopListening:
		return "stopListening"
	case EventResponseReceived:
		return "responseReceived"
	case EventFinish:
		return "finish"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is an action with its optional payload.
type Event struct {
	Kind EventKind
	Text string // reply text for EventResponseReceived
}

// ResponseReceived builds the event carrying the agent's reply.
func ResponseReceived(text string) Event {
	return Event{Kind: EventResponseReceived, Text: text}
}

// StartPolicy decides what startListening means while already listening.
type StartPolicy string

const (
	// StartPolicyIgnore treats a repeated start as a no-op.
	StartPolicyIgnore StartPolicy = "ignore"
	// StartPolicyRestart discards the current capture and listens again.
	StartPolicyRestart StartPolicy = "restart"
)

// ParseStartPolicy validates a configured policy name.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch StartPolicy(s) {
	case "", StartPolicyIgnore:
		return StartPolicyIgnore, nil
	case StartPolicyRestart:
		return StartPolicyRestart, nil
	default:
		return "", fmt.Errorf("unknown start policy %q", s)
	}
}

// Messages is the display text shown for each phase.
type Messages struct {
	Greeting   string `yaml:"greeting"`
	Listening  string `yaml:"listening"`
	Processing string `yaml:"processing"`
	Apology    string `yaml:"apology"`
}

// DefaultMessages returns the stock prompts.
func DefaultMessages() Messages {
	return Messages{
		Greeting:   "oh hey, welcome back. so, what's been sitting heavy on your chest today?",
		Listening:  "I'm listening...",
		Processing: "Just a moment, processing what you said...",
		Apology:    "I'm sorry, I couldn't catch that just now. Could you try again in a moment?",
	}
}

// WithDefaults fills empty prompts from DefaultMessages.
func (m Messages) WithDefaults() Messages {
	d := DefaultMessages()
	if m.Greeting == "" {
		m.Greeting = d.Greeting
	}
	if m.Listening == "" {
		m.Listening = d.Listening
	}
	if m.Processing == "" {
		m.Processing = d.Processing
	}
	if m.Apology == "" {
		m.Apology = d.Apology
	}
	return m
}

// Initial returns the resting state every session starts from.
func Initial(msgs Messages) domain.State {
	return domain.State{Status: domain.StatusIdle, Message: msgs.Greeting}
}

// Transition applies ev to cur. It has no side effects; an undefined edge
// returns ErrInvalidTransition and cur unchanged.
func Transition(cur domain.State, ev Event, msgs Messages, policy StartPolicy) (domain.State, error) {
	switch ev.Kind {
	case EventCancel:
		return Initial(msgs), nil

	case EventStartListening:
		switch cur.Status {
		case domain.StatusIdle:
			return domain.State{Status: domain.StatusListening, Message: msgs.Listening}, nil
		case domain.StatusListening:
			if policy == StartPolicyRestart {
				return domain.State{Status: domain.StatusListening, Message: msgs.Listening}, nil
			}
			return cur, nil
		}

	case EventStopListening:
		if cur.Status == domain.StatusListening {
			return domain.State{Status: domain.StatusProcessing, Message: msgs.Processing}, nil
		}

	case EventResponseReceived:
		if cur.Status == domain.StatusProcessing {
			text := ev.Text
			if text == "" {
				text = msgs.Apology
			}
			return domain.State{Status: domain.StatusResponding, Message: text}, nil
		}

	case EventFinish:
		if cur.Status == domain.StatusResponding {
			return Initial(msgs), nil
		}
	}

	return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, cur.Status)
}
