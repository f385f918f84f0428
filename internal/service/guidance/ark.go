package guidance

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/stretch-coach/internal/config"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
)

const systemPrompt = `당신은 "부기"라는 이름의 스트레칭 코치입니다.
사용자의 통증 설명과 프로필을 바탕으로 안전하고 따라 하기 쉬운 스트레칭을 단계별로 안내하세요.
심한 통증이나 저림이 있으면 전문의 상담을 권하세요.

사용자 프로필:
- 나이: {age}
- 성별: {gender}
- 직업: {occupation}
- 생활 습관: {lifestyle}
- 불편한 부위: {body_parts}`

const historyLimit = 10

// Ark streams guidance from an Ark chat model through a prompt chain.
type Ark struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArk compiles the prompt chain against the configured model.
func NewArk(ctx context.Context, cfg config.AIConfig) (*Ark, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guidance chain: %w", err)
	}

	return &Ark{chain: runnable}, nil
}

// Stream implements Generator.
func (a *Ark) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	stream, err := a.chain.Stream(ctx, chainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to stream guidance chain output: %w", err)
	}
	return stream, nil
}

func chainInput(req Request) map[string]any {
	p := req.Profile.WithDefaults()
	return map[string]any{
		"age":        p.Age,
		"gender":     p.Gender,
		"occupation": p.Occupation,
		"lifestyle":  p.Lifestyle,
		"body_parts": p.SelectedBodyParts,
		"history":    historyMessages(req.History),
		"query":      req.Pain,
	}
}

func historyMessages(messages []history.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	out := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case "user":
			out = append(out, schema.UserMessage(msg.Content))
		case "assistant":
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out
}
