package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesLogSeries(t *testing.T) {
	m := New()
	l := m.Log("chat")
	l.Held(3, 1, 2048)
	l.Received("entries")
	l.Dropped("announce")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`sharedlog_entries{log="chat"} 3`,
		`sharedlog_memory_bytes{log="chat"} 2048`,
		`sharedlog_messages_received_total{kind="entries",log="chat"} 1`,
		`sharedlog_dropped_messages_total{kind="announce",log="chat"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output misses %q", want)
		}
	}
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	l := m.Log("x")
	l.Held(1, 1, 1)
	l.Pruned()
	l.Dropped("entries")
	l.Forget()
}
