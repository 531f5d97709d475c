package flow

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the closed set of step actions a script may contain.
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindFill     Kind = "fill"
	KindType     Kind = "type"
	KindClick    Kind = "click"
	KindPress    Kind = "press"
	KindWaitFor  Kind = "wait_for"
	KindAssert   Kind = "assert"
	KindSleep    Kind = "sleep"
)

var knownKinds = map[Kind]bool{
	KindNavigate: true,
	KindFill:     true,
	KindType:     true,
	KindClick:    true,
	KindPress:    true,
	KindWaitFor:  true,
	KindAssert:   true,
	KindSleep:    true,
}

// Step is one recorded action. Value holds the URL for navigate, the text for
// fill/type, and the key name for press; Seconds applies to sleep only.
// Values may contain ${NAME} placeholders resolved at playback time; recording
// stores sensitive or variable inputs as placeholders, never literals.
type Step struct {
	Kind     Kind    `json:"kind"`
	Selector string  `json:"selector,omitempty"`
	Value    string  `json:"value,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// Placeholders returns the distinct variable names referenced by steps,
// in first-appearance order.
func Placeholders(steps []Step) []string {
	seen := map[string]bool{}
	var names []string
	for _, st := range steps {
		for _, m := range placeholderRe.FindAllStringSubmatch(st.Value, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

// Resolve substitutes bindings into the steps and returns the concrete
// sequence. It fails before any step could execute if a referenced
// placeholder has no binding, naming the first missing variable.
// Resolution is deterministic: identical inputs yield identical output.
func Resolve(steps []Step, bindings map[string]string) ([]Step, error) {
	for _, name := range Placeholders(steps) {
		if _, ok := bindings[name]; !ok {
			return nil, &BindingMissingError{Variable: name}
		}
	}

	out := make([]Step, len(steps))
	for i, st := range steps {
		st.Value = placeholderRe.ReplaceAllStringFunc(st.Value, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			return bindings[name]
		})
		st.Selector = normalizeSelector(st.Selector)
		out[i] = st
	}
	return out, nil
}

func validateSteps(steps []Step) error {
	for i, st := range steps {
		if !knownKinds[st.Kind] {
			return fmt.Errorf("step %d: unknown kind %q", i, st.Kind)
		}
		switch st.Kind {
		case KindFill, KindClick, KindWaitFor, KindAssert:
			if strings.TrimSpace(st.Selector) == "" {
				return fmt.Errorf("step %d (%s): selector is required", i, st.Kind)
			}
		case KindNavigate:
			if strings.TrimSpace(st.Value) == "" {
				return fmt.Errorf("step %d (navigate): url is required", i)
			}
		case KindPress:
			if strings.TrimSpace(st.Value) == "" {
				return fmt.Errorf("step %d (press): key is required", i)
			}
		case KindSleep:
			if st.Seconds <= 0 {
				return fmt.Errorf("step %d (sleep): seconds must be > 0", i)
			}
		}
	}
	return nil
}

// normalizeSelector collapses whitespace so recorded selectors compare stably.
func normalizeSelector(sel string) string {
	return strings.Join(strings.Fields(sel), " ")
}
