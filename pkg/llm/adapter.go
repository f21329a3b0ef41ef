package llm

import (
	"context"
	"errors"
	"net"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one generation call: a fixed persona, bounded prior turns and
// the new user utterance.
type Request struct {
	Persona   string
	History   []Message
	Utterance frames.Utterance
	Language  string
	// Directive stands in for the user message when the agent speaks
	// first, as with a generated greeting.
	Directive string
}

// Messages flattens history plus the utterance in conversation order.
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.History)+1)
	out = append(out, r.History...)
	content := r.Utterance.Text
	if content == "" {
		content = r.Directive
	}
	return append(out, Message{Role: RoleUser, Content: content})
}

// Instructions is the system prompt: the persona plus the reply language
// when one is known.
func (r Request) Instructions() string {
	if r.Language == "" {
		return r.Persona
	}
	if r.Persona == "" {
		return "Reply in language: " + r.Language + "."
	}
	return r.Persona + "\nReply in language: " + r.Language + "."
}

// Backend streams tokens for a request. The channel delivers text tokens and
// ends with exactly one Done or Err event before it is closed. Cancelling ctx
// must release the underlying request.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan frames.TokenEvent, error)
}

// Classify tags a backend failure with its taxonomy kind. Network errors are
// transport failures; everything else is reported by the backend.
func Classify(err error, reason errorsx.ReasonCode) error {
	if err == nil {
		return nil
	}
	if errorsx.KindOf(err) != errorsx.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorsx.Timeout(err, reason)
	}
	if resilience.IsRateLimit(err) {
		return errorsx.Backend(err, errorsx.ReasonLLMRateLimit)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return errorsx.Transport(err, reason)
	}
	return errorsx.Backend(err, reason)
}

// Retryable reports whether a generation failure may succeed on another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch errorsx.KindOf(err) {
	case errorsx.KindBackend, errorsx.KindTimeout, errorsx.KindTransport:
		return true
	}
	return false
}
