package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/stretch-coach/internal/bus"
	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/reveal"
)

// chunkBody returns one scripted chunk per Read, then end.
type chunkBody struct {
	mu     sync.Mutex
	chunks []string
	end    error
	closed atomic.Bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(b.chunks) == 0 {
		if b.end == nil {
			return 0, io.EOF
		}
		return 0, b.end
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *chunkBody) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeOpener struct {
	calls atomic.Int32
	open  func(ctx context.Context, req client.GuidanceRequest) (io.ReadCloser, error)
}

func (f *fakeOpener) OpenGuidanceStream(ctx context.Context, req client.GuidanceRequest) (io.ReadCloser, error) {
	f.calls.Add(1)
	return f.open(ctx, req)
}

func scripted(body io.ReadCloser) *fakeOpener {
	return &fakeOpener{open: func(context.Context, client.GuidanceRequest) (io.ReadCloser, error) {
		return body, nil
	}}
}

type harness struct {
	consumer  *Consumer
	scheduler *reveal.Scheduler
	bus       *bus.Bus
	opener    *fakeOpener

	mu      sync.Mutex
	updates []reveal.Update
}

func newHarness(opener *fakeOpener, opts Options) *harness {
	h := &harness{opener: opener}
	h.bus = bus.New(bus.Options{}, zerolog.Nop())
	h.scheduler = reveal.New(func(u reveal.Update) {
		h.mu.Lock()
		h.updates = append(h.updates, u)
		h.mu.Unlock()
	}, reveal.Options{}, zerolog.Nop())
	h.consumer = NewConsumer(opener, h.scheduler, h.bus, opts, zerolog.Nop())
	return h
}

func (h *harness) lastUpdate() reveal.Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates[len(h.updates)-1]
}

const longEnough = "목이랑 어깨가 계속 뻐근하고 아파요"

func request(id int64) Request {
	return Request{SessionID: "S1", Text: longEnough, MessageID: id}
}

func TestSendKoreanScenario(t *testing.T) {
	body := &chunkBody{chunks: []string{
		`data: {"content":"목"}` + "\n\n",
		`data: {"content":" 스트레"}` + "\n\n",
		`data: {"content":"칭..."}` + "\n\n",
		`data: {"done":true}` + "\n\n",
	}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(100))
	require.NoError(t, err)
	require.Equal(t, "목 스트레칭...", msg.Content)

	transcript := h.bus.Transcript()
	require.Len(t, transcript, 1)
	require.Equal(t, chat.AssistantMessage(100, "목 스트레칭..."), transcript[0])
	require.True(t, body.closed.Load(), "body released after done")
}

func TestSendMinimumLength(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr error
	}{
		{name: "nine runes", text: "가나다라마바사아자", wantErr: ErrTooShort},
		{name: "nine after trim", text: "   abcdefghi \n", wantErr: ErrTooShort},
		{name: "blank", text: "   ", wantErr: ErrEmpty},
		{name: "ten runes", text: "가나다라마바사아자차"},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := &chunkBody{chunks: []string{`data: {"content":"ok","done":true}` + "\n\n"}}
			h := newHarness(scripted(body), Options{})

			msg, err := h.consumer.Send(context.Background(), Request{SessionID: "S1", Text: tc.text, MessageID: int64(i + 1)})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Zero(t, h.opener.calls.Load(), "no network I/O for invalid input")
				require.True(t, msg.Has(chat.AnnotationError))
				require.Len(t, h.bus.Transcript(), 1, "validation feedback is rendered")
				return
			}
			require.NoError(t, err)
			require.EqualValues(t, 1, h.opener.calls.Load())
			require.Equal(t, "ok", msg.Content)
		})
	}
}

func TestSendRecordSplitAcrossChunks(t *testing.T) {
	body := &chunkBody{chunks: []string{
		`data: {"con`,
		`tent":"hi"}` + "\n",
		"\n" + `data: {"done":tr`,
		`ue}` + "\n\n",
	}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(1))
	require.NoError(t, err)
	require.Equal(t, "hi", msg.Content)
}

func TestSendDoneInSameChunkAsLastContent(t *testing.T) {
	body := &chunkBody{chunks: []string{
		`data: {"content":"첫 번째 "}` + "\n\n" +
			`data: {"content":"마지막 조각"}` + "\n\n" + `data: {"done":true}` + "\n\n",
	}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(5))
	require.NoError(t, err)
	require.Equal(t, "첫 번째 마지막 조각", msg.Content)
	require.Zero(t, h.scheduler.Backlog(5))

	last := h.lastUpdate()
	require.True(t, last.Final)
	require.Equal(t, "첫 번째 마지막 조각", last.Text)
}

func TestSendSkipsMalformedRecord(t *testing.T) {
	body := &chunkBody{chunks: []string{
		`data: {"content":"a"}` + "\n\n" + `data: {not json}` + "\n\n" + `: heartbeat` + "\n\n" + `data: {"content":"b"}` + "\n\n" + `data: [DONE]` + "\n\n",
	}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(1))
	require.NoError(t, err)
	require.Equal(t, "ab", msg.Content)
}

func TestSendTransportFailureMidStream(t *testing.T) {
	body := &chunkBody{
		chunks: []string{`data: {"content":"partial"}` + "\n\n"},
		end:    errors.New("connection reset by peer"),
	}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(9))
	require.Error(t, err)
	require.Equal(t, msgTransport, msg.Content)
	require.True(t, msg.Has(chat.AnnotationError))

	transcript := h.bus.Transcript()
	require.Len(t, transcript, 1, "exactly one terminal message")
	require.Equal(t, int64(9), transcript[0].ID)
	require.False(t, h.consumer.Busy(), "send affordance re-enabled")
}

func TestSendStatusErrorBeforeData(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{code: http.StatusInternalServerError, want: msgServer},
		{code: http.StatusNotFound, want: msgNoSession},
		{code: http.StatusUnprocessableEntity, want: msgBadRequest},
	}
	for _, tc := range cases {
		opener := &fakeOpener{open: func(context.Context, client.GuidanceRequest) (io.ReadCloser, error) {
			return nil, &client.StatusError{Code: tc.code}
		}}
		h := newHarness(opener, Options{})

		msg, err := h.consumer.Send(context.Background(), request(1))
		var status *client.StatusError
		require.ErrorAs(t, err, &status)
		require.Equal(t, tc.want, msg.Content)
		require.Len(t, h.bus.Transcript(), 1)
	}
}

func TestSendServerErrorRecord(t *testing.T) {
	body := &chunkBody{chunks: []string{`data: {"error":"model unavailable"}` + "\n\n"}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(1))
	var server *ServerError
	require.ErrorAs(t, err, &server)
	require.Equal(t, msgServer, msg.Content)
}

func TestSendTruncatedStream(t *testing.T) {
	t.Run("with content", func(t *testing.T) {
		body := &chunkBody{chunks: []string{`data: {"content":"half"}` + "\n\n" + `data: {"con`}}
		h := newHarness(scripted(body), Options{})

		msg, err := h.consumer.Send(context.Background(), request(1))
		require.NoError(t, err)
		require.Equal(t, "half", msg.Content)
	})
	t.Run("without content", func(t *testing.T) {
		h := newHarness(scripted(&chunkBody{}), Options{})

		msg, err := h.consumer.Send(context.Background(), request(1))
		require.ErrorIs(t, err, ErrTruncated)
		require.Equal(t, msgTransport, msg.Content)
	})
}

func TestSendEmptyCompletion(t *testing.T) {
	body := &chunkBody{chunks: []string{`data: {"done":true}` + "\n\n"}}
	h := newHarness(scripted(body), Options{})

	msg, err := h.consumer.Send(context.Background(), request(1))
	require.NoError(t, err)
	require.Equal(t, msgNoResponse, msg.Content)
}

func TestSendRejectsConcurrentStream(t *testing.T) {
	pr, pw := io.Pipe()
	var transitions []bool
	var mu sync.Mutex
	h := newHarness(scripted(pr), Options{OnBusy: func(b bool) {
		mu.Lock()
		transitions = append(transitions, b)
		mu.Unlock()
	}})

	done := make(chan chat.Message)
	go func() {
		msg, _ := h.consumer.Send(context.Background(), request(1))
		done <- msg
	}()

	_, err := pw.Write([]byte(`data: {"content":"first"}` + "\n\n"))
	require.NoError(t, err)
	require.True(t, h.consumer.Busy())

	_, err = h.consumer.Send(context.Background(), request(2))
	require.ErrorIs(t, err, ErrBusy)

	_, err = pw.Write([]byte(`data: {"done":true}` + "\n\n"))
	require.NoError(t, err)
	msg := <-done
	require.Equal(t, "first", msg.Content)

	require.Len(t, h.bus.Transcript(), 1)
	require.EqualValues(t, 1, h.opener.calls.Load())
	mu.Lock()
	require.Equal(t, []bool{true, false}, transitions)
	mu.Unlock()
}

func TestBusyCheckedBeforeValidation(t *testing.T) {
	pr, pw := io.Pipe()
	h := newHarness(scripted(pr), Options{})

	done := make(chan chat.Message)
	go func() {
		msg, _ := h.consumer.Send(context.Background(), request(1))
		done <- msg
	}()

	_, err := pw.Write([]byte(`data: {"content":"first"}` + "\n\n"))
	require.NoError(t, err)

	msg, err := h.consumer.Send(context.Background(), Request{SessionID: "S1", Text: "짧아요", MessageID: 2})
	require.ErrorIs(t, err, ErrBusy)
	require.Zero(t, msg)
	require.Empty(t, h.bus.Transcript(), "a rejected send while busy renders nothing")

	_, err = pw.Write([]byte(`data: {"done":true}` + "\n\n"))
	require.NoError(t, err)
	require.Equal(t, "first", (<-done).Content)
	require.Len(t, h.bus.Transcript(), 1)

	_, err = h.consumer.Send(context.Background(), Request{SessionID: "S1", Text: "짧아요", MessageID: 3})
	require.ErrorIs(t, err, ErrTooShort)
	require.False(t, h.consumer.Busy(), "validation failure releases the slot")
}

func TestReplyCarriesTurn(t *testing.T) {
	h := newHarness(scripted(&chunkBody{}), Options{})

	rejected, err := h.consumer.Send(context.Background(), Request{SessionID: "S1", Text: "짧아요", Turn: 7, MessageID: 8})
	require.ErrorIs(t, err, ErrTooShort)
	require.Equal(t, int64(7), rejected.Turn)

	body := &chunkBody{chunks: []string{`data: {"content":"ok","done":true}` + "\n\n"}}
	h = newHarness(scripted(body), Options{})
	req := request(10)
	req.Turn = 9
	msg, err := h.consumer.Send(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(9), msg.Turn)
	require.Equal(t, int64(9), h.bus.Transcript()[0].Turn)
}

func TestSendCancelledMidStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	h := newHarness(scripted(pr), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error)
	go func() {
		_, err := h.consumer.Send(ctx, request(1))
		errCh <- err
	}()

	_, err := pw.Write([]byte(`data: {"content":"never shown"}` + "\n\n"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancellation")
	}

	_, err = pw.Write([]byte("more"))
	require.ErrorIs(t, err, io.ErrClosedPipe, "reader released")
	require.Empty(t, h.bus.Transcript(), "no message for a cancelled stream")
	require.Zero(t, h.scheduler.Backlog(1))
}

func TestSendConnectTimeout(t *testing.T) {
	opener := &fakeOpener{open: func(ctx context.Context, _ client.GuidanceRequest) (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(opener, Options{ConnectTimeout: 20 * time.Millisecond})

	msg, err := h.consumer.Send(context.Background(), request(1))
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.Equal(t, msgTimeout, msg.Content)
}

func TestNoTimeoutOnceStreaming(t *testing.T) {
	pr, pw := io.Pipe()
	h := newHarness(scripted(pr), Options{ConnectTimeout: 10 * time.Millisecond})

	done := make(chan chat.Message)
	go func() {
		msg, _ := h.consumer.Send(context.Background(), request(1))
		done <- msg
	}()

	_, err := pw.Write([]byte(`data: {"content":"slow "}` + "\n\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = pw.Write([]byte(`data: {"content":"reply"}` + "\n\n" + `data: {"done":true}` + "\n\n"))
	require.NoError(t, err)

	require.Equal(t, "slow reply", (<-done).Content)
}
