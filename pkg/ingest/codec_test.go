package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.EncodeAck("r1"))
	require.NoError(t, enc.EncodeError("r2", CodeBadRequest, "report kind is required"))
	require.NoError(t, enc.EncodeStatsResult(StatsResultFrame{ID: "s1", Scope: ScopeErrors, Stats: map[string]int{"total": 3}}))
	assert.Error(t, enc.Encode(FrameType("PING"), nil))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	dec := NewDecoder(&buf)

	f, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, FrameAck, f.Type)
	assert.False(t, f.Timestamp.IsZero())
	var ack AckFrame
	require.NoError(t, DecodeData(f, &ack))
	assert.Equal(t, "r1", ack.ID)

	f, err = dec.Decode()
	require.NoError(t, err)
	var ef ErrorFrame
	require.NoError(t, DecodeData(f, &ef))
	assert.Equal(t, ErrorFrame{ID: "r2", Code: CodeBadRequest, Message: "report kind is required"}, ef)

	f, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, FrameStatsResult, f.Type)
	assert.JSONEq(t, `{"id":"s1","scope":"errors","stats":{"total":3}}`, string(f.Data))

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeMalformed(t *testing.T) {
	input := strings.Join([]string{
		`not json`,
		``,
		`{"type":"PING","timestamp":"2026-01-02T15:04:05Z"}`,
		`{"type":"REPORT","timestamp":"2026-01-02T15:04:05Z","data":{"kind":"script","message":"boom"}}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	f, err := dec.Decode()
	require.NoError(t, err)
	var rep ReportFrame
	require.NoError(t, DecodeData(f, &rep))
	assert.Equal(t, "boom", rep.Message)
	require.NoError(t, rep.Validate())
}

func TestFrameValidation(t *testing.T) {
	assert.Error(t, (&ReportFrame{Message: "x"}).Validate())
	assert.Error(t, (&ReportFrame{Kind: "script"}).Validate())
	assert.NoError(t, (&StatsFrame{}).Validate())
	assert.Error(t, (&StatsFrame{Scope: "disk"}).Validate())

	_, err := json.Marshal(Frame{Type: FrameNotice})
	assert.NoError(t, err)
	assert.Error(t, DecodeData(Frame{Type: FrameReport}, &ReportFrame{}))
}
