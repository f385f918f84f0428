package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feedAll(d *Decoder, chunks ...string) []Record {
	var out []Record
	for _, c := range chunks {
		for _, raw := range d.Feed([]byte(c)) {
			rec, err := ParseRecord(raw)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}

func TestDecoderRecordSplitMidPayload(t *testing.T) {
	var d Decoder
	recs := feedAll(&d, `data: {"con`, `tent":"hi"}`+"\n\n")
	require.Equal(t, []Record{{Content: "hi"}}, recs)
	require.Empty(t, d.Pending())
}

func TestDecoderHoldsIncompleteRecord(t *testing.T) {
	var d Decoder
	require.Empty(t, d.Feed([]byte(`data: {"content":"a"}`+"\n")))
	require.Equal(t, `data: {"content":"a"}`+"\n", string(d.Pending()))

	got := d.Feed([]byte("\n"))
	require.Len(t, got, 1)
}

func TestDecoderManyRecordsInOneChunk(t *testing.T) {
	var d Decoder
	recs := feedAll(&d,
		`data: {"content":"목"}`+"\n\n"+`data: {"content":" 스트레"}`+"\n\n"+`data: {"content":"칭..."}`+"\n\n"+`data: {"done":true}`+"\n\n")
	require.Equal(t, []Record{
		{Content: "목"},
		{Content: " 스트레"},
		{Content: "칭..."},
		{Done: true},
	}, recs)
}

func TestDecoderSplitInsideMultibyteRune(t *testing.T) {
	payload := []byte(`data: {"content":"스트레칭"}` + "\n\n")
	// Split inside the first Hangul syllable's UTF-8 sequence.
	cut := len(`data: {"content":"`) + 1

	var d Decoder
	require.Empty(t, d.Feed(payload[:cut]))
	raws := d.Feed(payload[cut:])
	require.Len(t, raws, 1)

	rec, err := ParseRecord(raws[0])
	require.NoError(t, err)
	require.Equal(t, "스트레칭", rec.Content)
}

func TestDecoderCRLFAcrossChunks(t *testing.T) {
	var d Decoder
	recs := feedAll(&d, "data: {\"content\":\"x\"}\r\n\r", "\n")
	require.Equal(t, []Record{{Content: "x"}}, recs)
}

func TestDecoderSkipsBlankRecords(t *testing.T) {
	var d Decoder
	require.Empty(t, d.Feed([]byte("\n\n\n\n")))
}

func TestParseRecordVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Record
		err  bool
	}{
		{name: "content", raw: `data: {"content":"hi"}`, want: Record{Content: "hi"}},
		{name: "done", raw: `data: {"done":true}`, want: Record{Done: true}},
		{name: "content and done", raw: `data: {"content":"end","done":true}`, want: Record{Content: "end", Done: true}},
		{name: "openai sentinel", raw: `data: [DONE]`, want: Record{Done: true}},
		{name: "server error", raw: `data: {"error":"quota"}`, want: Record{Err: "quota"}},
		{name: "no space after colon", raw: `data:{"content":"a"}`, want: Record{Content: "a"}},
		{name: "event field ignored", raw: "event: delta\ndata: {\"content\":\"a\"}", want: Record{Content: "a"}},
		{name: "multi-line data", raw: "data: {\"content\":\ndata: \"a\"}", want: Record{Content: "a"}},
		{name: "heartbeat comment", raw: ": keep-alive", want: Record{Empty: true}},
		{name: "garbage", raw: `data: {"content":`, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRecord([]byte(tc.raw))
			if tc.err {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
