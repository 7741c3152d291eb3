package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[01;34msrc\x1b[0m", "src"},
		{"a\r\nb\r\n", "a\nb\n"},
		{"\x1b]0;root@ws: /workspace\x07prompt", "prompt"},
		{"bell\x07 and tab\t", "bell and tab\t"},
		{"\x1b[?2004hline", "line"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripANSI(tt.in), "input %q", tt.in)
	}
}

func TestStripPrompt(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		prompt bool
	}{
		{"root@workspace-7d9f:/workspace# ls -la", "ls -la", true},
		{"dev@box:~$ ", "", true},
		{"(venv) dev@box:~/src$ make", "make", true},
		{"bash-5.1$ whoami", "whoami", true},
		{"total 0", "total 0", false},
		{"price is $5", "price is $5", false},
	}
	for _, tt := range tests {
		got, ok := StripPrompt(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.prompt, ok, "input %q", tt.in)
	}
}

func TestOutputFilter_SuppressesConsecutiveDuplicates(t *testing.T) {
	f := NewOutputFilter()
	assert.Equal(t, "same\n", f.Filter([]byte("same\nsame\n")))
	assert.Equal(t, "", f.Filter([]byte("same\n")), "repeat across chunks")
	assert.Equal(t, "other\nsame\n", f.Filter([]byte("other\nsame\n")))
}

func TestOutputFilter_KeepsDifferentContent(t *testing.T) {
	f := NewOutputFilter()
	assert.Equal(t, "```go\nfirst\n```\n", f.Filter([]byte("```go\nfirst\n```\n")))
	assert.Equal(t, "```go\nsecond\n```\n", f.Filter([]byte("```go\nsecond\n```\n")))
}

func TestOutputFilter_SuppressesEcho(t *testing.T) {
	f := NewOutputFilter()
	f.Sent("ls\n")
	out := f.Filter([]byte("root@ws:/workspace# ls\r\n\x1b[01;34msrc\x1b[0m  go.mod\r\nroot@ws:/workspace# "))
	assert.Equal(t, "src  go.mod\n", out)
}

func TestOutputFilter_PartialLines(t *testing.T) {
	f := NewOutputFilter()
	assert.Equal(t, "hel", f.Filter([]byte("hel")))
	assert.Equal(t, "lo\n", f.Filter([]byte("lo\n")))
	assert.Equal(t, "", f.Filter([]byte("dev@box:~$ ")))
	assert.Equal(t, "", f.Filter([]byte("dev@box:~$ \r\n")), "bare prompt line is dropped")
	assert.Equal(t, "\n", f.Filter([]byte("\n")), "blank output lines survive")
}

func TestOutputFilter_ProbeMarker(t *testing.T) {
	f := NewOutputFilter()
	out := f.Filter([]byte("dev@box:~$ echo " + probeMarker + "\r\n" + probeMarker + "\r\ndev@box:~$ "))
	assert.Equal(t, "", out)
	select {
	case <-f.Alive():
	default:
		t.Fatal("probe marker not signalled")
	}
}
