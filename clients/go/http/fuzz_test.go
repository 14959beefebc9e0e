// Fuzz tests for the SSE parser. Uses the white-box package to reach
// unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	compatclient "github.com/Xala-Technologies/Xaheen-platform-sub003/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
func runParseSSE(b []byte) []compatclient.RuleEvent {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan compatclient.RuleEvent, 256)
	go func() {
		defer close(ch)
		br := bufio.NewReaderSize(bytes.NewReader(b), 1<<20)
		parseSSE(ctx, br, ch)
	}()
	var evs []compatclient.RuleEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

func TestParseSSE(t *testing.T) {
	input := "id: 3\nevent: update\ndata: {\"id\":\"r1\",\"name\":\"one\"}\n\n" +
		": keepalive\n\n" +
		"event: error\ndata: {\"error\":\"internal server error\"}\n\n" +
		"id: 4\nevent: delete\ndata: {\"id\":\"r1\"}\n\n"

	evs := runParseSSE([]byte(input))
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evs), evs)
	}
	if evs[0].Type != "update" || evs[0].EventID != 3 || evs[0].Rule == nil || evs[0].Rule.Name != "one" {
		t.Fatalf("event 0 = %+v", evs[0])
	}
	if evs[1].Type != "error" || evs[1].Rule != nil || evs[1].RuleID != "" {
		t.Fatalf("event 1 = %+v", evs[1])
	}
	if evs[2].Type != "delete" || evs[2].EventID != 4 || evs[2].RuleID != "r1" {
		t.Fatalf("event 2 = %+v", evs[2])
	}
}

func TestParseSSEJoinsDataLines(t *testing.T) {
	evs := runParseSSE([]byte("id: 1\nevent: update\ndata: {\"id\":\ndata: \"split\"}\n\n"))
	if len(evs) != 1 || evs[0].RuleID != "split" {
		t.Fatalf("events = %+v", evs)
	}
}

// FuzzParseSSE ensures the SSE parser never panics on arbitrary input and
// produces no more events than blank lines in the input.
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id:1\nevent:update\ndata:{\"id\":\"x\",\"active\":true}\n\n"))
	f.Add([]byte("id:2\nevent:delete\ndata:{\"id\":\"x\"}\n\n"))
	f.Add([]byte("event:update\ndata:first\ndata:second\n\n"))
	f.Add([]byte(":comment\ndata:hello\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte("id:9999999999999999999999\nevent:update\ndata:{}\n\n"))
	f.Add([]byte(strings.Repeat("data:x\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		blankLines := bytes.Count(bytes.ReplaceAll(data, []byte("\r"), nil), []byte("\n\n"))
		if len(evs) > blankLines+1 {
			t.Errorf("got %d events from input with %d blank lines", len(evs), blankLines)
		}
		for _, ev := range evs {
			if ev.Rule != nil && ev.RuleID != ev.Rule.ID {
				t.Errorf("RuleID %q does not match rule %q", ev.RuleID, ev.Rule.ID)
			}
		}
	})
}
