package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line    string
		name    string
		args    []string
		json    bool
		wantErr bool
	}{
		{line: "help", name: "help"},
		{line: "  START sim1 ", name: "start", args: []string{"sim1"}},
		{line: `simfile "/data/my recording.tag"`, name: "simfile", args: []string{"/data/my recording.tag"}},
		{line: `{"command":"start","args":["ft"]}`, name: "start", args: []string{"ft"}, json: true},
		{line: "", wantErr: true},
		{line: "   ", wantErr: true},
		{line: `start "unterminated`, wantErr: true},
		{line: `{"command":`, wantErr: true},
		{line: `{"args":["x"]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, cmd.Name)
			if len(tt.args) == 0 {
				assert.Empty(t, cmd.Args)
			} else {
				assert.Equal(t, tt.args, cmd.Args)
			}
			assert.Equal(t, tt.json, cmd.JSON)
		})
	}
}

func echoHandler(_ context.Context, req *Request) (string, error) {
	return strings.Join(req.Args, ","), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "echo", MinArgs: 1, MaxArgs: 2, Usage: "<a> [b]", Description: "echo args", Handler: echoHandler}))
	require.NoError(t, r.Register(Spec{Name: "any", MaxArgs: -1, Handler: echoHandler}))
	require.NoError(t, r.Register(Spec{Name: "fail", Handler: func(context.Context, *Request) (string, error) {
		return "", errors.New("NotActive")
	}}))
	require.NoError(t, r.Register(Spec{Name: "boom", Handler: func(context.Context, *Request) (string, error) {
		panic("kaboom")
	}}))
	return r
}

func dispatch(t *testing.T, r *Registry, line string) Response {
	t.Helper()
	cmd, err := Parse(line)
	require.NoError(t, err)
	return r.Dispatch(context.Background(), &Request{Command: cmd})
}

func TestDispatch(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, OK("x,y"), dispatch(t, r, "echo x y"))
	assert.Equal(t, OK("1,2,3,4"), dispatch(t, r, "any 1 2 3 4"))
	assert.Equal(t, Err("NotActive"), dispatch(t, r, "fail"))

	resp := dispatch(t, r, "echo")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Payload, "usage: echo <a> [b]")

	resp = dispatch(t, r, "echo 1 2 3")
	assert.False(t, resp.OK)

	resp = dispatch(t, r, "nope")
	assert.True(t, IsUnknown(resp))
	assert.Equal(t, "unknown command: nope", resp.Payload)

	resp = dispatch(t, r, "boom")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Payload, "internal error")
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Register(Spec{Name: "ECHO", Handler: echoHandler}), ErrDuplicateCommand)
	assert.Error(t, r.Register(Spec{Name: "x"}))
	assert.Error(t, r.Register(Spec{Name: "y", MinArgs: 2, MaxArgs: 1, Handler: echoHandler}))

	require.NoError(t, r.Alias("say", "echo"))
	assert.Equal(t, OK("hi"), dispatch(t, r, "say hi"))
	assert.ErrorIs(t, r.Alias("say", "echo"), ErrDuplicateCommand)
	assert.ErrorIs(t, r.Alias("z", "missing"), ErrUnknownCommand)
}

func TestErrorFormatter(t *testing.T) {
	r := NewRegistry(WithErrorFormatter(func(err error) string {
		if errors.Is(err, ErrMalformedCommand) {
			return "MalformedCommand"
		}
		return "Other"
	}))
	require.NoError(t, r.Register(Spec{Name: "one", MinArgs: 1, MaxArgs: 1, Handler: echoHandler}))
	assert.Equal(t, Err("MalformedCommand"), dispatch(t, r, "one"))
}

func TestHelp(t *testing.T) {
	r := newTestRegistry(t)
	text, err := r.Help(false)
	require.NoError(t, err)
	assert.Contains(t, text, "echo <a> [b]")
	assert.Contains(t, text, "echo args")

	js, err := r.Help(true)
	require.NoError(t, err)
	var parsed struct {
		Commands map[string]helpEntry `json:"commands"`
	}
	require.NoError(t, json.Unmarshal([]byte(js), &parsed))
	assert.Equal(t, helpEntry{Usage: "<a> [b]", Description: "echo args"}, parsed.Commands["echo"])
	assert.Len(t, parsed.Commands, 4)
}

func TestResponseWire(t *testing.T) {
	tests := []Response{
		OK(""),
		OK("started sim1"),
		OK("line one\nline two\n.dotted"),
		Err("NotActive"),
	}
	for _, resp := range tests {
		var buf bytes.Buffer
		w := textproto.NewWriter(bufio.NewWriter(&buf))
		require.NoError(t, WriteResponse(w, resp))
		require.NoError(t, w.W.Flush())
		assert.True(t, strings.HasSuffix(buf.String(), "\r\n.\r\n"))

		got, err := ReadResponse(textproto.NewReader(bufio.NewReader(&buf)))
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}
}
