package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/launch"
)

// CaptureFile is the name of the saved page under the capture directory
const CaptureFile = "sandbox_auth_page.html"

const redacted = "<redacted>"

var (
	usernameKeywords = []string{"username", "user name", "email", "email address", "userid", "user id"}
	passwordKeywords = []string{"password", "passcode"}
)

// ElementInfo describes a discovered form control
type ElementInfo struct {
	Label       string `json:"label,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Value       string `json:"value,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Text        string `json:"text,omitempty"`
}

func describe(el Element, label string) *ElementInfo {
	if el == nil {
		return nil
	}
	info := &ElementInfo{
		Label:       label,
		Tag:         el.Tag(),
		ID:          el.Attr("id"),
		Name:        el.Attr("name"),
		Type:        el.Attr("type"),
		Value:       el.Value(),
		Placeholder: el.Attr("placeholder"),
		Text:        strings.TrimSpace(firstNonEmpty(el.Text(), el.Value())),
	}
	if strings.EqualFold(info.Type, "password") && info.Value != "" {
		info.Value = redacted
		info.Text = redacted
	}
	return info
}

func (i *ElementInfo) logTo(e *zerolog.Event) *zerolog.Event {
	return e.Str("id", i.ID).
		Str("name", i.Name).
		Str("type", i.Type).
		Str("value", i.Value).
		Str("placeholder", i.Placeholder).
		Str("text", i.Text).
		Str("label", i.Label)
}

// Capture is a diagnostic snapshot of the sign-in page
type Capture struct {
	URL      string       `json:"url,omitempty"`
	HTML     string       `json:"html"`
	Username *ElementInfo `json:"username,omitempty"`
	Password *ElementInfo `json:"password,omitempty"`
	Login    *ElementInfo `json:"login,omitempty"`
	Path     string       `json:"path,omitempty"`
}

// capturePage reads the page HTML and discovers its login controls
func capturePage(page Page) (*Capture, error) {
	html, err := page.HTML()
	if err != nil {
		return nil, &launch.FlowError{Kind: launch.KindInvalidHTMLCapture, Err: err}
	}
	if html == "" {
		return nil, &launch.FlowError{Kind: launch.KindInvalidHTMLCapture}
	}

	c := &Capture{HTML: html}
	if doc := page.Document(); doc != nil {
		if el, label := findInputByLabel(doc, usernameKeywords); el != nil {
			c.Username = describe(el, label)
		}
		if el, label := findInputByLabel(doc, passwordKeywords); el != nil {
			c.Password = describe(el, label)
		}
		c.Login = describe(findLoginButton(doc), "")
	}
	return c, nil
}

// save writes the captured HTML into dir
func (c *Capture) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating capture directory: %w", err)
	}
	path := filepath.Join(dir, CaptureFile)
	if err := os.WriteFile(path, []byte(c.HTML), 0o600); err != nil {
		return fmt.Errorf("writing capture: %w", err)
	}
	c.Path = path
	return nil
}

func findInputByLabel(doc Document, keywords []string) (Element, string) {
	for _, label := range doc.QuerySelectorAll("label") {
		text := label.Text()
		if !containsAny(normalize(text), keywords) {
			continue
		}
		var target Element
		if id := label.Attr("for"); id != "" {
			target = doc.QuerySelector(fmt.Sprintf("[id=%q]", id))
		}
		if target == nil {
			target = label.QuerySelector("input,textarea,select")
		}
		if target != nil {
			return target, text
		}
	}

	for _, input := range doc.QuerySelectorAll("input,textarea,select") {
		placeholder := firstNonEmpty(input.Attr("placeholder"), input.Attr("aria-label"))
		if containsAny(normalize(placeholder), keywords) {
			return input, placeholder
		}
	}
	return nil, ""
}

func loginScore(el Element) int {
	text := strings.ToLower(firstNonEmpty(el.Text(), el.Value(), el.Attr("aria-label")))
	switch {
	case containsAny(text, []string{"log in", "login"}):
		return 3
	case containsAny(text, []string{"sign in", "sign-in"}):
		return 2
	case containsAny(text, []string{"continue", "authorize", "allow"}):
		return 1
	}
	return 0
}

func findLoginButton(doc Document) Element {
	candidates := append(doc.QuerySelectorAll("button"), doc.QuerySelectorAll("input[type=submit], input[type=button]")...)

	var best Element
	bestScore := 0
	for _, el := range candidates {
		if s := loginScore(el); s > bestScore {
			best, bestScore = el, s
		}
	}
	return best
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
