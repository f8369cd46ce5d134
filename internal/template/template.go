// Package template renders campaign subject and body templates with Liquid.
// The expander renders once per recipient at fan-out time so dispatch never
// touches template code.
package template

import (
	"fmt"
	"strings"

	"github.com/osteele/liquid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

// Renderer wraps a liquid engine. Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
}

// New creates a Renderer with the default filter set.
func New() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Bindings builds the per-recipient template context. Contact attributes are
// merged flat; the reserved keys email and name always win over attributes.
func Bindings(c domain.Contact) map[string]interface{} {
	b := make(map[string]interface{}, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		b[k] = v
	}
	b["email"] = c.Email
	b["name"] = c.Name
	b["contact_id"] = c.ID.String()
	return b
}

// Render renders one template against a binding map.
func (r *Renderer) Render(tmpl string, bindings map[string]interface{}) (string, error) {
	out, err := r.engine.ParseAndRenderString(tmpl, bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// RenderMessage renders subject and body for one recipient. An error in
// either template fails the whole message; the expander turns that into a
// task-level failure so a broken template never half-sends a campaign.
func (r *Renderer) RenderMessage(subjectTmpl, bodyTmpl string, c domain.Contact) (subject, body string, err error) {
	b := Bindings(c)
	subject, err = r.Render(subjectTmpl, b)
	if err != nil {
		return "", "", fmt.Errorf("subject: %w", err)
	}
	// Subjects are single-line by definition.
	subject = strings.TrimSpace(strings.ReplaceAll(subject, "\n", " "))

	body, err = r.Render(bodyTmpl, b)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	return subject, body, nil
}
