package chat

import "slices"

// Sender identifies who authored a transcript entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Annotation flags change how a message renders, never its identity.
type Annotation string

const (
	// AnnotationSignupOffer marks guidance shown to an anonymous user.
	AnnotationSignupOffer Annotation = "offer-signup"
	// AnnotationError marks an assistant message describing a failure.
	AnnotationError Annotation = "error"
)

// Message is one transcript entry. Turn names the user turn a message
// belongs to: a user message is its own turn, a reply carries the id of the
// message it answers, and unprompted messages leave it zero.
type Message struct {
	ID          int64        `json:"id"`
	Turn        int64        `json:"turn,omitempty"`
	Sender      Sender       `json:"sender"`
	Content     string       `json:"content"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Has reports whether the message carries the annotation.
func (m Message) Has(a Annotation) bool {
	return slices.Contains(m.Annotations, a)
}

// InReplyTo returns a copy of m tied to turn.
func (m Message) InReplyTo(turn int64) Message {
	m.Turn = turn
	return m
}

// UserMessage builds a user-authored message that opens turn id.
func UserMessage(id int64, content string) Message {
	return Message{ID: id, Turn: id, Sender: SenderUser, Content: content}
}

// AssistantMessage builds an assistant-authored message.
func AssistantMessage(id int64, content string, annotations ...Annotation) Message {
	return Message{ID: id, Sender: SenderAssistant, Content: content, Annotations: annotations}
}
