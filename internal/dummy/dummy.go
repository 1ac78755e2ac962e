package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/ollama"
)

type action struct {
	kind string
	arg  string
}

var prefixed = []string{"err", "sleep", "msg", "msgb64", "status"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
outer:
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		for _, kind := range prefixed {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				continue outer
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next scripted action; the last one repeats forever.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Generator is a scripted model.Generator for demos and fault injection.
//
// Script actions, comma separated:
//
//	ok                 reply "dummy-ok"
//	msg:<text>         reply text
//	msgb64:<base64>    reply decoded text
//	sleep:<ms>         wait, then reply "dummy-after-sleep"
//	err:<class>        fail with class unavailable, timeout or malformed
//	status:<code>:<b>  fail as a non-200 backend response with body b
type Generator struct {
	mu      sync.Mutex
	script  *scriptRunner
	prompts []string
}

// NewGenerator parses script and returns a Generator.
func NewGenerator(script string) (*Generator, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Generator{script: runner}, nil
}

// Prompts returns every prompt received so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func (g *Generator) Generate(ctx context.Context, prompt string, temperature float64) model.GenerationResult {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	a := g.script.next()
	g.mu.Unlock()

	switch a.kind {
	case "ok":
		return ok("dummy-ok")
	case "msg":
		return ok(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return fail(&ollama.MalformedResponseError{Body: a.arg, Err: fmt.Errorf("dummy msgb64 decode failed: %w", err)})
		}
		return ok(string(raw))
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return fail(&ollama.BackendUnavailableError{Timeout: true, Err: ctx.Err()})
			}
		}
		return ok("dummy-after-sleep")
	case "status":
		code, body, _ := strings.Cut(a.arg, ":")
		n, err := strconv.Atoi(code)
		if err != nil {
			n = 500
		}
		return fail(&ollama.BackendErrorResponse{StatusCode: n, Body: body})
	case "err":
		switch emptyAs(a.arg, "unavailable") {
		case "timeout":
			return fail(&ollama.BackendUnavailableError{Timeout: true, Err: context.DeadlineExceeded})
		case "malformed":
			return fail(&ollama.MalformedResponseError{Err: fmt.Errorf("dummy malformed response")})
		default:
			return fail(&ollama.BackendUnavailableError{Err: fmt.Errorf("dummy backend error class=%s", emptyAs(a.arg, "unavailable"))})
		}
	default:
		return ok("dummy-ok")
	}
}

func ok(text string) model.GenerationResult {
	return model.GenerationResult{OK: true, Text: text}
}

func fail(err error) model.GenerationResult {
	return model.GenerationResult{Message: ollama.UserMessage(err), Err: err}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
