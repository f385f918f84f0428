// Package guidance produces stretching guidance for the development backend.
package guidance

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
)

// Request carries one pain description plus the pass-through profile.
type Request struct {
	SessionID string
	Pain      string
	Profile   profile.Profile
	History   []history.Message
}

// Generator streams guidance as message increments.
type Generator interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
}

// Canned answers from a fixed template, split into small increments so the
// client sees a realistic stream without model credentials.
type Canned struct {
	ChunkRunes int
}

// NewCanned returns a generator emitting chunkRunes runes per increment.
func NewCanned(chunkRunes int) *Canned {
	if chunkRunes < 1 {
		chunkRunes = 8
	}
	return &Canned{ChunkRunes: chunkRunes}
}

// Stream implements Generator.
func (c *Canned) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := Compose(req)
	return schema.StreamReaderFromArray(split(reply, c.ChunkRunes)), nil
}

// Compose renders the canned reply for req.
func Compose(req Request) string {
	p := req.Profile.WithDefaults()
	parts := strings.TrimSpace(p.SelectedBodyParts)

	var b strings.Builder
	fmt.Fprintf(&b, "%s 스트레칭을 안내해 드릴게요.\n", parts)
	fmt.Fprintf(&b, "말씀하신 증상: %s\n\n", strings.TrimSpace(req.Pain))
	b.WriteString("1. 의자에 바르게 앉아 어깨에 힘을 빼세요.\n")
	b.WriteString("2. 고개를 천천히 오른쪽으로 기울이고 15초간 유지하세요.\n")
	b.WriteString("3. 반대쪽도 같은 방법으로 반복하세요.\n\n")
	fmt.Fprintf(&b, "%s이시라면 한 시간마다 가볍게 일어나 움직여 주세요.", p.Occupation)
	return b.String()
}

func split(text string, size int) []*schema.Message {
	runes := []rune(text)
	chunks := make([]*schema.Message, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, schema.AssistantMessage(string(runes[start:end]), nil))
	}
	return chunks
}
