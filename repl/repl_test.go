package repl

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func newTestRepl(input string) (*Repl, *bufferCloser) {
	out := &bufferCloser{}
	return NewRepl(io.NopCloser(strings.NewReader(input)), out), out
}

func TestRunEchoesAnswers(t *testing.T) {
	r, out := newTestRepl("one\n\n  two  \n")
	var seen []string
	err := r.Run(func(msg string, _ *Repl) (string, error) {
		seen = append(seen, msg)
		return strings.ToUpper(msg), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, seen)
	assert.Equal(t, "ONE\nTWO\n", out.String())
}

func TestQuitStopsWithoutError(t *testing.T) {
	r, out := newTestRepl("quit\nnever\n")
	err := r.Run(func(msg string, _ *Repl) (string, error) {
		if msg == "quit" {
			return "bye", ErrQuit
		}
		t.Fatalf("handled %q after quit", msg)
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bye\n", out.String())
	assert.True(t, out.closed)
}

func TestHandlerErrorCloses(t *testing.T) {
	r, out := newTestRepl("boom\n")
	boom := errors.New("boom")
	err := r.Run(func(string, *Repl) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, out.closed)
	assert.Empty(t, out.String())
}

func TestPrompt(t *testing.T) {
	r, out := newTestRepl("a\n")
	r.Prompt = "> "
	require.NoError(t, r.Run(func(msg string, _ *Repl) (string, error) {
		return msg, nil
	}))
	assert.Equal(t, "> a\n> ", out.String())
}

func TestGuards(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriterGuard(&buf)
	_, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("there"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "hi", buf.String())

	rd := NewReaderGuard(strings.NewReader("data"))
	p := make([]byte, 2)
	n, err := rd.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, rd.Close())
	_, err = rd.Read(p)
	assert.ErrorIs(t, err, ErrClosed)
}
