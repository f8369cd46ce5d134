package template

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

func TestRenderMessage(t *testing.T) {
	r := New()
	c := domain.Contact{
		ID:    uuid.New(),
		Email: "jane@example.com",
		Name:  "Jane",
		Attributes: map[string]interface{}{
			"plan": "pro",
		},
	}

	subject, body, err := r.RenderMessage(
		"Hi {{ name }}, your {{ plan }} plan",
		"Hello {{ name }} ({{ email }})",
		c)
	if err != nil {
		t.Fatalf("RenderMessage error: %v", err)
	}
	if subject != "Hi Jane, your pro plan" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Hello Jane (jane@example.com)" {
		t.Errorf("body = %q", body)
	}
}

func TestRenderMessageReservedKeysWin(t *testing.T) {
	r := New()
	c := domain.Contact{
		Email:      "real@example.com",
		Name:       "Real",
		Attributes: map[string]interface{}{"email": "spoof@example.com"},
	}

	_, body, err := r.RenderMessage("s", "{{ email }}", c)
	if err != nil {
		t.Fatalf("RenderMessage error: %v", err)
	}
	if body != "real@example.com" {
		t.Errorf("body = %q, want contact email to override attribute", body)
	}
}

func TestRenderMessageFlattensSubject(t *testing.T) {
	r := New()
	c := domain.Contact{Email: "a@b.com", Name: "A"}

	subject, _, err := r.RenderMessage("line one\nline two", "b", c)
	if err != nil {
		t.Fatalf("RenderMessage error: %v", err)
	}
	if strings.Contains(subject, "\n") {
		t.Errorf("subject still multi-line: %q", subject)
	}
}

func TestRenderMessageBadTemplate(t *testing.T) {
	r := New()
	c := domain.Contact{Email: "a@b.com"}

	_, _, err := r.RenderMessage("{{ broken", "body", c)
	if err == nil {
		t.Error("expected parse error for unterminated tag")
	}
}

func TestRenderConditionals(t *testing.T) {
	r := New()

	out, err := r.Render(
		"{% if plan == 'pro' %}thanks{% else %}upgrade{% endif %}",
		map[string]interface{}{"plan": "free"})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if out != "upgrade" {
		t.Errorf("out = %q, want upgrade", out)
	}
}
