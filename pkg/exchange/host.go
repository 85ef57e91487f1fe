package exchange

import (
	"strings"
	"sync"

	"github.com/orneryd/vrtree/pkg/logging"
	"github.com/orneryd/vrtree/pkg/tree"
)

// Log types passed to Host.Log.
const (
	LogInfo    = logging.LogInfo
	LogWarning = logging.LogWarning
	LogError   = logging.LogError
	LogDebug   = logging.LogDebug
)

// QuestionFunc receives the option a user picked.
type QuestionFunc func(result int, userData any)

// Host is the application surface handed to a plugin in Init.
type Host interface {
	Log(typ int, msg string)
	// LogIndent indents (true) or unindents (false) later log lines.
	LogIndent(increase bool)
	UserMessage(msg string)
	// SetQuestionCallback registers the receiver of UserQuestion answers.
	SetQuestionCallback(fn QuestionFunc, userData any)
	// UserQuestion asks msg. The answer arrives later through the
	// question callback; without one it returns ErrNoQuestionHandler.
	UserQuestion(msg string) error
	ProgressYield(current, max int, msg string)
	// HasPermission reports whether every comma separated permission is
	// granted to the plugin.
	HasPermission(perms string) bool
	// RequestPermission asks the application for perms, returning
	// whether they are granted afterwards.
	RequestPermission(perms, cancelCaption string) bool
}

// Hooks connects plugin hosts to the application. Nil hooks are ignored.
type Hooks struct {
	// Message shows a message to the user.
	Message func(plugin, msg string)
	// Question asks the user; answer may be called later from any
	// goroutine.
	Question func(plugin, msg string, answer func(result int))
	// Progress reports long running work.
	Progress func(plugin string, current, max int, msg string)
	// RequestPermission asks the licensing mechanism for more
	// permissions and returns the ones granted.
	RequestPermission func(plugin string, want tree.Permission, cancelCaption string) tree.Permission
}

type host struct {
	plugin string
	sink   *logging.PluginSink
	hooks  Hooks

	mu       sync.Mutex
	perms    tree.Permission
	question QuestionFunc
	qData    any
}

func (h *host) Log(typ int, msg string) { h.sink.Log(typ, msg) }
func (h *host) LogIndent(increase bool) { h.sink.Indent(increase) }

func (h *host) UserMessage(msg string) {
	if h.hooks.Message != nil {
		h.hooks.Message(h.plugin, msg)
		return
	}
	h.sink.Log(LogInfo, msg)
}

func (h *host) SetQuestionCallback(fn QuestionFunc, userData any) {
	h.mu.Lock()
	h.question, h.qData = fn, userData
	h.mu.Unlock()
}

func (h *host) UserQuestion(msg string) error {
	h.mu.Lock()
	fn, data := h.question, h.qData
	h.mu.Unlock()
	if fn == nil || h.hooks.Question == nil {
		return ErrNoQuestionHandler
	}
	h.hooks.Question(h.plugin, msg, func(result int) { fn(result, data) })
	return nil
}

func (h *host) ProgressYield(current, max int, msg string) {
	if h.hooks.Progress != nil {
		h.hooks.Progress(h.plugin, current, max, msg)
	}
}

func parsePermissions(perms string) (tree.Permission, bool) {
	var p tree.Permission
	for _, name := range strings.Split(perms, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		pp, ok := tree.ParsePermission(name)
		if !ok {
			return 0, false
		}
		p |= pp
	}
	return p, true
}

func (h *host) HasPermission(perms string) bool {
	want, ok := parsePermissions(perms)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms&want == want
}

func (h *host) RequestPermission(perms, cancelCaption string) bool {
	if h.HasPermission(perms) {
		return true
	}
	want, ok := parsePermissions(perms)
	if !ok || h.hooks.RequestPermission == nil {
		return false
	}
	granted := h.hooks.RequestPermission(h.plugin, want, cancelCaption)
	h.mu.Lock()
	h.perms |= granted & want
	h.mu.Unlock()
	return h.HasPermission(perms)
}
