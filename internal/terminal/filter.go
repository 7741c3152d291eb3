package terminal

import (
	"regexp"
	"strings"
	"sync"
)

// probeMarker is echoed by the liveness probe on shell sessions.
const probeMarker = "__alive__"

var (
	// CSI, OSC and the short two-byte escapes emitted by interactive shells.
	ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][A-Za-z0-9]|\x1b[=>78cDEHM]`)

	controlPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

	// user@host:path$ , bash-5.1# and friends, optionally behind a venv tag.
	promptPattern = regexp.MustCompile(`^(?:\([^)]*\) )?(?:[\w.-]+@[\w.-]+(?::[^$#\n]*)?|(?:ba)?sh-[\d.]+)[$#] ?`)
)

// StripANSI removes terminal escape sequences and control characters
// other than newline and tab.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	return controlPattern.ReplaceAllString(s, "")
}

// StripPrompt removes a leading shell prompt from line. ok reports whether
// one was found.
func StripPrompt(line string) (rest string, ok bool) {
	loc := promptPattern.FindStringIndex(line)
	if loc == nil {
		return line, false
	}
	return line[loc[1]:], true
}

// OutputFilter turns raw shell output into text fit for a client: escape
// sequences and prompts are removed and a line repeating the one before it
// is dropped. Input sent to the shell counts as the previous line, so the
// shell's echo of a command is suppressed.
type OutputFilter struct {
	mu    sync.Mutex
	last  string
	alive chan struct{}
}

// NewOutputFilter returns an empty filter.
func NewOutputFilter() *OutputFilter {
	return &OutputFilter{alive: make(chan struct{}, 1)}
}

// Sent records input written to the shell.
func (f *OutputFilter) Sent(input string) {
	input = strings.TrimRight(input, "\r\n")
	if i := strings.LastIndexByte(input, '\n'); i >= 0 {
		input = input[i+1:]
	}
	f.mu.Lock()
	f.last = StripANSI(input)
	f.mu.Unlock()
}

// Alive is signalled whenever the probe marker shows up in the output.
func (f *OutputFilter) Alive() <-chan struct{} {
	return f.alive
}

// Filter processes one chunk of output. A trailing partial line is emitted
// as-is, minus any prompt.
func (f *OutputFilter) Filter(chunk []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	pieces := strings.Split(StripANSI(string(chunk)), "\n")
	var out strings.Builder
	for i, piece := range pieces {
		line, prompted := StripPrompt(piece)
		tail := i == len(pieces)-1

		if line == probeMarker || strings.HasSuffix(line, "echo "+probeMarker) {
			if line == probeMarker {
				select {
				case f.alive <- struct{}{}:
				default:
				}
			}
			continue
		}
		if tail {
			if line != "" {
				out.WriteString(line)
				f.last = ""
			}
			continue
		}
		if prompted && strings.TrimSpace(line) == "" {
			continue
		}
		if line != "" && line == f.last {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
		f.last = line
	}
	return out.String()
}
