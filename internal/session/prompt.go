package session

import "github.com/halcyonmud/halcyon/internal/lang"

// DefaultPrompt is shown when no prompt was installed or a prompt
// callback failed.
const DefaultPrompt = "> "

func (t *Table) SetPrompt(s *Session, p lang.Value) { s.prompt = p }
func (t *Table) QueryPrompt(s *Session) lang.Value  { return s.prompt }

// PrintPrompt shows the session's prompt: a literal string as-is, a
// callback by evaluating it. Suppressed while input handlers are
// queued. A failing callback is replaced by the default prompt.
func (t *Table) PrintPrompt(s *Session) {
	if s.closing || len(s.inputTo) > 0 {
		return
	}
	switch p := s.prompt.(type) {
	case nil:
		t.Send(s, DefaultPrompt)
	case string:
		t.Send(s, p)
	default:
		res, err := t.cfg.Interp.Evaluate(p)
		if err != nil {
			s.prompt = DefaultPrompt
			t.Send(s, DefaultPrompt)
			return
		}
		if str, ok := res.(string); ok {
			t.Send(s, str)
		}
	}
}
