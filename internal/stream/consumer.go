// Package stream turns a guidance request into one assistant message,
// decoding the server's event stream as it arrives.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/bus"
	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/metrics"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/reveal"
)

var (
	ErrEmpty          = errors.New("message is empty")
	ErrTooShort       = errors.New("message is too short")
	ErrBusy           = errors.New("a guidance stream is already open")
	ErrConnectTimeout = errors.New("timed out connecting to guidance stream")
	ErrTruncated      = errors.New("stream ended without a terminal record")
)

// ServerError is an error the server reported inside the stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server reported error: " + e.Message
}

const (
	DefaultMinLength      = 10
	DefaultConnectTimeout = 15 * time.Second
	readBufferSize        = 4096
)

// Opener starts a guidance stream.
type Opener interface {
	OpenGuidanceStream(ctx context.Context, req client.GuidanceRequest) (io.ReadCloser, error)
}

// Options tune a Consumer.
type Options struct {
	MinLength      int
	ConnectTimeout time.Duration
	// OnBusy observes idle/busy transitions.
	OnBusy func(busy bool)
}

// Consumer opens at most one guidance stream at a time and publishes exactly
// one terminal message per accepted Send.
type Consumer struct {
	api       Opener
	scheduler *reveal.Scheduler
	publisher bus.Publisher
	opts      Options
	busy      atomic.Bool
	log       zerolog.Logger
}

// NewConsumer wires a consumer to its collaborators.
func NewConsumer(api Opener, scheduler *reveal.Scheduler, publisher bus.Publisher, opts Options, log zerolog.Logger) *Consumer {
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.OnBusy == nil {
		opts.OnBusy = func(bool) {}
	}
	return &Consumer{
		api:       api,
		scheduler: scheduler,
		publisher: publisher,
		opts:      opts,
		log:       log.With().Str("component", "stream").Logger(),
	}
}

// Request is one user turn.
type Request struct {
	SessionID string
	Text      string
	Profile   profile.Profile
	// Turn is the id of the user turn being answered.
	Turn int64
	// MessageID is the pre-allocated id of the assistant reply.
	MessageID int64
	// Annotations are attached to a successfully completed reply.
	Annotations []chat.Annotation
}

// Busy reports whether a stream is open.
func (c *Consumer) Busy() bool {
	return c.busy.Load()
}

// Validate checks text against the local preconditions.
func (c *Consumer) Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(trimmed) < c.opts.MinLength {
		return ErrTooShort
	}
	return nil
}

// Send streams the reply to req. ErrBusy is checked first and publishes
// nothing. Validation failures publish an explanatory bubble and perform no
// network I/O. A cancelled ctx releases the stream and publishes nothing.
func (c *Consumer) Send(ctx context.Context, req Request) (chat.Message, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return chat.Message{}, ErrBusy
	}

	if err := c.Validate(req.Text); err != nil {
		c.busy.Store(false)
		text := msgTooShort
		if errors.Is(err, ErrEmpty) {
			text = msgEmpty
		}
		metrics.StreamOutcomes.WithLabelValues("rejected").Inc()
		return c.publish(req, chat.AssistantMessage(req.MessageID, text, chat.AnnotationError)), err
	}

	c.opts.OnBusy(true)
	defer func() {
		c.busy.Store(false)
		c.opts.OnBusy(false)
	}()

	log := c.log.With().Str("session", req.SessionID).Int64("message", req.MessageID).Logger()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader, err := c.open(streamCtx, cancel, req, log)
	if err != nil {
		if ctx.Err() != nil {
			metrics.StreamOutcomes.WithLabelValues("cancelled").Inc()
			return chat.Message{}, ctx.Err()
		}
		return c.fail(req, err, log), err
	}
	defer reader.Close()

	chunks := make([]*schema.Message, 0, 16)
	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			c.scheduler.Discard(req.MessageID)
			metrics.StreamOutcomes.WithLabelValues("cancelled").Inc()
			log.Info().Msg("stream cancelled")
			return chat.Message{}, ctx.Err()
		}
		if errors.Is(recvErr, ErrTruncated) && len(chunks) > 0 {
			log.Warn().Err(recvErr).Int("chunks", len(chunks)).Msg("finalizing partial reply")
			metrics.StreamOutcomes.WithLabelValues("truncated").Inc()
			return c.finalize(req, chunks, log), nil
		}
		if recvErr != nil {
			return c.fail(req, recvErr, log), recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		chunks = append(chunks, chunk)
		c.scheduler.Push(req.MessageID, chunk.Content)
	}

	metrics.StreamOutcomes.WithLabelValues("completed").Inc()
	return c.finalize(req, chunks, log), nil
}

// open performs the request under a bounded connect wait, then hands the
// body to a pump goroutine. Once headers arrive no further timeout applies.
func (c *Consumer) open(ctx context.Context, cancel context.CancelFunc, req Request, log zerolog.Logger) (*schema.StreamReader[*schema.Message], error) {
	timer := time.AfterFunc(c.opts.ConnectTimeout, cancel)

	body, err := c.api.OpenGuidanceStream(ctx, client.GuidanceRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		Profile:   req.Profile,
	})
	if !timer.Stop() {
		if body != nil {
			body.Close()
		}
		return nil, ErrConnectTimeout
	}
	if err != nil {
		return nil, err
	}

	metrics.StreamsOpened.Inc()
	log.Debug().Msg("guidance stream opened")

	// Closing the body is what unblocks a pending Read on teardown.
	stopRelease := context.AfterFunc(ctx, func() { body.Close() })

	reader, writer := schema.Pipe[*schema.Message](16)
	go func() {
		defer stopRelease()
		c.pump(body, writer, log)
	}()
	return reader, nil
}

// pump reads body until a terminal record, an error or the reader closing.
func (c *Consumer) pump(body io.ReadCloser, writer *schema.StreamWriter[*schema.Message], log zerolog.Logger) {
	defer body.Close()
	defer writer.Close()

	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, raw := range dec.Feed(buf[:n]) {
				rec, perr := ParseRecord(raw)
				if perr != nil {
					metrics.RecordsMalformed.Inc()
					log.Warn().Err(perr).Str("record", truncate(raw, 80)).Msg("skipping malformed record")
					continue
				}
				metrics.RecordsDecoded.Inc()

				if rec.Err != "" {
					writer.Send(nil, &ServerError{Message: rec.Err})
					return
				}
				if rec.Content != "" {
					if closed := writer.Send(schema.AssistantMessage(rec.Content, nil), nil); closed {
						return
					}
				}
				if rec.Done {
					return
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if pending := dec.Pending(); len(pending) > 0 {
				log.Warn().Str("fragment", truncate(pending, 80)).Msg("discarding incomplete record at end of stream")
			}
			writer.Send(nil, ErrTruncated)
			return
		}
		if err != nil {
			writer.Send(nil, err)
			return
		}
	}
}

func (c *Consumer) finalize(req Request, chunks []*schema.Message, log zerolog.Logger) chat.Message {
	c.scheduler.Flush(req.MessageID)

	if len(chunks) == 0 {
		log.Warn().Msg("stream completed without content")
		return c.publish(req, chat.AssistantMessage(req.MessageID, msgNoResponse, chat.AnnotationError))
	}

	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		log.Error().Err(err).Msg("failed to concatenate reply chunks")
		return c.publish(req, chat.AssistantMessage(req.MessageID, msgTransport, chat.AnnotationError))
	}

	log.Info().Int("chunks", len(chunks)).Int("length", utf8.RuneCountInString(full.Content)).Msg("guidance completed")
	return c.publish(req, chat.AssistantMessage(req.MessageID, full.Content, req.Annotations...))
}

func (c *Consumer) fail(req Request, err error, log zerolog.Logger) chat.Message {
	c.scheduler.Discard(req.MessageID)

	outcome, text := classify(err)
	metrics.StreamOutcomes.WithLabelValues(outcome).Inc()
	log.Warn().Err(err).Str("outcome", outcome).Msg("guidance stream failed")
	return c.publish(req, chat.AssistantMessage(req.MessageID, text, chat.AnnotationError))
}

func (c *Consumer) publish(req Request, msg chat.Message) chat.Message {
	msg = msg.InReplyTo(req.Turn)
	c.publisher.Publish(msg)
	return msg
}

func classify(err error) (outcome, text string) {
	var status *client.StatusError
	var server *ServerError
	switch {
	case errors.Is(err, ErrConnectTimeout):
		return "timeout", msgTimeout
	case errors.As(err, &status):
		switch {
		case status.Code == http.StatusNotFound || status.Code == http.StatusUnauthorized:
			return "status", msgNoSession
		case status.Code == http.StatusBadRequest || status.Code == http.StatusUnprocessableEntity:
			return "status", msgBadRequest
		default:
			return "status", msgServer
		}
	case errors.As(err, &server):
		return "status", msgServer
	default:
		return "transport", msgTransport
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
