package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/geoexec/internal/model"
)

type sseEvent struct {
	name string
	data string
}

// readEvents collects SSE events until the stream ends or a "done" event.
func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()

	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			if cur.name == "done" {
				return events
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestStreamStatusNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := call(t, http.MethodGet, ts.URL+"/v1/executions/nonexistent/events", "alice", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamStatusFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, out := submit(t, ts, "alice", `{"process":"gs:Echo","mode":"sync"}`)

	resp := call(t, http.MethodGet, ts.URL+"/v1/executions/"+out.Status.ExecutionID+"/events", "alice", "", "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readEvents(t, resp)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want one status and done", events)
	}
	var st model.ExecutionStatus
	if err := json.Unmarshal([]byte(events[0].data), &st); err != nil {
		t.Fatalf("decode status event: %v", err)
	}
	if st.Phase != model.PhaseSucceeded {
		t.Errorf("phase = %s, want SUCCEEDED", st.Phase)
	}
	if events[1].name != "done" || events[1].data != "SUCCEEDED" {
		t.Errorf("last event = %+v, want done SUCCEEDED", events[1])
	}
}

func TestStreamStatusFollowsProgress(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, out := submit(t, ts, "alice", `{"process":"gs:Sleep","inputs":{"duration":0.5,"steps":5}}`)
	id := out.Status.ExecutionID

	resp := call(t, http.MethodGet, ts.URL+"/v1/executions/"+id+"/events", "alice", "", "")
	done := make(chan []sseEvent, 1)
	go func() { done <- readEvents(t, resp) }()

	var events []sseEvent
	select {
	case events = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the stream to finish")
	}

	if len(events) < 2 {
		t.Fatalf("events = %+v, want status events and done", events)
	}
	last := events[len(events)-1]
	if last.name != "done" || last.data != "SUCCEEDED" {
		t.Errorf("last event = %+v, want done SUCCEEDED", last)
	}

	prev := -1.0
	for _, ev := range events[:len(events)-1] {
		if ev.name != "status" {
			t.Errorf("unexpected event %q", ev.name)
			continue
		}
		var st model.ExecutionStatus
		if err := json.Unmarshal([]byte(ev.data), &st); err != nil {
			t.Fatalf("decode status event: %v", err)
		}
		if st.Progress < prev {
			t.Errorf("progress went backwards: %v after %v", st.Progress, prev)
		}
		prev = st.Progress
	}
	if prev != 100 {
		t.Errorf("final progress = %v, want 100", prev)
	}
}
