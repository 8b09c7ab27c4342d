package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSlackNotifier_Send(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Escalated("PROJ-42", "fix attempt budget consumed"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var msg SlackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Text, "PROJ-42") {
		t.Errorf("text = %q, want the issue key", msg.Text)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "danger" {
		t.Errorf("attachments = %+v, want one danger attachment", msg.Attachments)
	}
}

func TestSlackNotifier_DisabledWithoutWebhook(t *testing.T) {
	notifier := NewSlackNotifier("")
	if err := notifier.Send(Blocked("PROJ-1", "open questions")); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestNotificationBuilders(t *testing.T) {
	if n := Blocked("K-1", "why"); n.Type != NotifyWarning || n.IssueKey != "K-1" {
		t.Errorf("Blocked = %+v", n)
	}
	if n := Escalated("K-1", "why"); n.Type != NotifyError {
		t.Errorf("Escalated = %+v", n)
	}
	if n := Completed("K-1", "http://pr"); n.Type != NotifySuccess || n.PRURL != "http://pr" {
		t.Errorf("Completed = %+v", n)
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}
