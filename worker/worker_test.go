package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/gateway"
	"github.com/hupe1980/taskrelay/internal/testutil"
	"github.com/hupe1980/taskrelay/ledger"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/tool"
	"github.com/hupe1980/taskrelay/vault"
)

// script returns a reasoner that plays decisions in order and records the
// turns it saw.
type script struct {
	mu        sync.Mutex
	decisions []Decision
	turns     []Turn
}

func (s *script) Next(_ context.Context, turn Turn) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, turn)
	if len(s.decisions) == 0 {
		return Final("out of script"), nil
	}

	d := s.decisions[0]
	s.decisions = s.decisions[1:]

	return d, nil
}

func call(id, name, args string) core.FunctionCall {
	return core.FunctionCall{ID: id, Name: name, Arguments: args}
}

func newWorker(t *testing.T, r Reasoner, optFns ...func(o *Options)) (*Worker, *ledger.Ledger) {
	t.Helper()

	l := ledger.New("t1")
	opts := append([]func(o *Options){func(o *Options) {
		o.UserID = "u1"
		o.Capability = "research"
	}}, optFns...)

	return New(r, l, opts...), l
}

func withTools(tools ...tool.Tool) func(o *Options) {
	return func(o *Options) { o.Tools = tool.MustRegistry(tools...) }
}

func TestRun_FinalAnswer(t *testing.T) {
	w, l := newWorker(t, &script{decisions: []Decision{Final("42")}})

	assert.Equal(t, core.WorkerIdle, w.Status())

	status := w.Run(context.Background(), "t1", core.NewTextContent("user", "question"), core.NewCancellationToken())
	assert.Equal(t, core.WorkerCompleted, status)
	assert.Equal(t, core.WorkerCompleted, w.Status())

	steps := l.ReadFrom(-1)
	require.Len(t, steps, 1)
	assert.Equal(t, core.StepFinal, steps[0].Kind)
	assert.True(t, steps[0].Terminal)
	assert.Equal(t, core.FinalPayload{Answer: "42"}, steps[0].Payload)
	assert.True(t, l.Closed())

	// A worker is single-use.
	assert.Equal(t, core.WorkerCompleted, w.Run(context.Background(), "t1", core.Content{}, nil))
	assert.Len(t, l.ReadFrom(-1), 1)
}

func TestRun_ToolCallLoop(t *testing.T) {
	r := &script{decisions: []Decision{
		{Thought: "search first", ToolCalls: []core.FunctionCall{call("c1", "echo", `{"q":"go"}`)}},
		Final("found it"),
	}}
	w, l := newWorker(t, r, withTools(testutil.EchoTool("echo")))

	status := w.Run(context.Background(), "t1", core.NewTextContent("user", "find go"), nil)
	require.Equal(t, core.WorkerCompleted, status)

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepThought, core.StepToolCall, core.StepToolResult, core.StepFinal}, testutil.Kinds(steps))
	assert.Equal(t, []int64{0, 1, 2, 3}, testutil.Seqs(steps))

	callPayload := steps[1].Payload.(core.ToolCallPayload)
	assert.Equal(t, "c1", callPayload.CallID)
	assert.Equal(t, map[string]any{"q": "go"}, callPayload.Arguments)
	assert.Nil(t, callPayload.Authorization)

	result := steps[2].Payload.(core.ToolResultPayload)
	assert.Equal(t, map[string]any{"q": "go"}, result.Result)

	require.Len(t, r.turns, 2)
	assert.Equal(t, 1, r.turns[0].Number)
	assert.Empty(t, r.turns[0].Steps)
	assert.Len(t, r.turns[1].Steps, 3)
	assert.Equal(t, "research", r.turns[1].Capability)
	assert.Equal(t, "find go", r.turns[1].Input.Text())
}

func TestRun_ToolErrorsAreRecoverable(t *testing.T) {
	r := &script{decisions: []Decision{
		{ToolCalls: []core.FunctionCall{
			call("c1", "missing", ""),
			call("c2", "broken", "{}"),
			call("c3", "echo", "not json"),
		}},
		Final("recovered"),
	}}
	w, l := newWorker(t, r, withTools(testutil.EchoTool("echo"), testutil.FailingTool("broken", "disk full")))

	require.Equal(t, core.WorkerCompleted, w.Run(context.Background(), "t1", core.Content{}, nil))

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{
		core.StepToolCall, core.StepError,
		core.StepToolCall, core.StepError,
		core.StepToolCall, core.StepError,
		core.StepFinal,
	}, testutil.Kinds(steps))

	for _, idx := range []int{1, 3, 5} {
		p := testutil.ErrorPayload(t, steps[idx])
		assert.Equal(t, core.CodeToolError, p.Code)
		assert.False(t, p.Fatal)
	}

	assert.Contains(t, testutil.ErrorPayload(t, steps[1]).Message, tool.CodeNotFound)
	assert.Contains(t, testutil.ErrorPayload(t, steps[3]).Message, "disk full")
	assert.Contains(t, testutil.ErrorPayload(t, steps[5]).Message, tool.CodeInvalidArgs)
	assert.Equal(t, "c3", testutil.ErrorPayload(t, steps[5]).CallID)
}

func TestRun_FailOnToolError(t *testing.T) {
	r := &script{decisions: []Decision{
		{ToolCalls: []core.FunctionCall{call("c1", "broken", "{}")}},
		Final("unreachable"),
	}}
	w, l := newWorker(t, r, withTools(testutil.FailingTool("broken", "disk full")), func(o *Options) {
		o.FailOnToolError = true
	})

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepError}, testutil.Kinds(steps))

	p := testutil.ErrorPayload(t, steps[1])
	assert.True(t, p.Fatal)
	assert.True(t, steps[1].Terminal)
	assert.Equal(t, core.CodeToolError, p.Code)
	assert.Equal(t, "c1", p.CallID)
	assert.Equal(t, "broken", p.Tool)
}

func TestRun_ReasonerFailures(t *testing.T) {
	tests := []struct {
		name     string
		reasoner Reasoner
		code     string
	}{
		{
			name: "error",
			reasoner: ReasonerFunc(func(context.Context, Turn) (Decision, error) {
				return Decision{}, errors.New("model unavailable")
			}),
			code: core.CodeInternal,
		},
		{
			name: "panic",
			reasoner: ReasonerFunc(func(context.Context, Turn) (Decision, error) {
				panic("boom")
			}),
			code: core.CodeInternal,
		},
		{
			name: "empty decision",
			reasoner: ReasonerFunc(func(context.Context, Turn) (Decision, error) {
				return Decision{}, nil
			}),
			code: core.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, l := newWorker(t, tt.reasoner)

			require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

			steps := l.ReadFrom(-1)
			require.Len(t, steps, 1)
			p := testutil.ErrorPayload(t, steps[0])
			assert.Equal(t, tt.code, p.Code)
			assert.True(t, p.Fatal)
			assert.True(t, l.Closed())
		})
	}
}

func TestRun_ReasonerTurnTimeout(t *testing.T) {
	slow := ReasonerFunc(func(ctx context.Context, _ Turn) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	w, l := newWorker(t, slow, func(o *Options) { o.TurnTimeout = 30 * time.Millisecond })

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

	p := testutil.ErrorPayload(t, testutil.Last(t, l.ReadFrom(-1)))
	assert.Equal(t, core.CodeTurnTimeout, p.Code)
}

func TestRun_ToolTurnTimeoutAbandonsCall(t *testing.T) {
	stuck := testutil.NewBlockingTool("stuck", true)
	defer stuck.Release()

	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "stuck", "")}}}}
	w, l := newWorker(t, r, withTools(stuck), func(o *Options) { o.TurnTimeout = 30 * time.Millisecond })

	start := time.Now()
	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))
	assert.Less(t, time.Since(start), time.Second)

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepError}, testutil.Kinds(steps))

	p := testutil.ErrorPayload(t, steps[1])
	assert.Equal(t, core.CodeTurnTimeout, p.Code)
	assert.Equal(t, "c1", p.CallID)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	token := core.NewCancellationToken()
	token.Cancel("user abort")

	r := &script{decisions: []Decision{Final("never")}}
	w, l := newWorker(t, r)

	require.Equal(t, core.WorkerCancelled, w.Run(context.Background(), "t1", core.Content{}, token))
	assert.Empty(t, r.turns)

	steps := l.ReadFrom(-1)
	require.Len(t, steps, 1)
	p := testutil.ErrorPayload(t, steps[0])
	assert.Equal(t, core.CodeCancelled, p.Code)
	assert.Contains(t, p.Message, "user abort")
}

func TestRun_CancelDuringToolCall(t *testing.T) {
	blocking := testutil.NewBlockingTool("slow", false)
	defer blocking.Release()

	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "slow", "")}}}}
	w, l := newWorker(t, r, withTools(blocking))

	token := core.NewCancellationToken()
	done := make(chan core.WorkerStatus, 1)

	go func() { done <- w.Run(context.Background(), "t1", core.Content{}, token) }()

	<-blocking.Started()
	token.Cancel("stop")

	select {
	case status := <-done:
		assert.Equal(t, core.WorkerCancelled, status)
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepError}, testutil.Kinds(steps))
	assert.Equal(t, core.CodeCancelled, testutil.ErrorPayload(t, steps[1]).Code)

	assert.Eventually(t, func() bool { return blocking.ObservedCancel() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRun_ContextCancellationCancelsTask(t *testing.T) {
	blocking := testutil.NewBlockingTool("slow", false)
	defer blocking.Release()

	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "slow", "")}}}}
	w, l := newWorker(t, r, withTools(blocking))

	ctx, cancel := context.WithCancel(context.Background())
	token := core.NewCancellationToken()
	done := make(chan core.WorkerStatus, 1)

	go func() { done <- w.Run(ctx, "t1", core.Content{}, token) }()

	<-blocking.Started()
	cancel()

	assert.Equal(t, core.WorkerCancelled, <-done)
	assert.True(t, token.IsCancelled())
	assert.Equal(t, core.CodeCancelled, testutil.ErrorPayload(t, testutil.Last(t, l.ReadFrom(-1))).Code)
}

func TestRun_MaxTurns(t *testing.T) {
	thinker := ReasonerFunc(func(context.Context, Turn) (Decision, error) {
		return Decision{Thought: "hmm"}, nil
	})
	var logs bytes.Buffer
	w, l := newWorker(t, thinker, func(o *Options) {
		o.MaxTurns = 3
		o.Logger = logging.New(&logging.Config{Level: logging.LogLevelDebug, Format: "json", Output: &logs})
	})

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepThought, core.StepThought, core.StepThought, core.StepError}, testutil.Kinds(steps))
	assert.Equal(t, core.CodeMaxTurnsExceeded, testutil.ErrorPayload(t, steps[3]).Code)

	assert.Contains(t, logs.String(), `"remaining":2`)
	assert.Contains(t, logs.String(), `"remaining":0`)
}

func TestRun_PanickingToolFailsTask(t *testing.T) {
	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "bomb", "")}}}}
	w, l := newWorker(t, r, withTools(testutil.PanickingTool("bomb")))

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

	p := testutil.ErrorPayload(t, testutil.Last(t, l.ReadFrom(-1)))
	assert.Equal(t, core.CodeInternal, p.Code)
	assert.Contains(t, p.Message, "tool exploded")
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "github" }

func (fakeProvider) AuthCodeURL(state string) string {
	return "https://github.example/login?state=" + state
}

func (fakeProvider) Exchange(_ context.Context, payload []byte) (vault.Credential, error) {
	return vault.Credential{AccessToken: "secret-" + string(payload)}, nil
}

func gatedTool() *tool.FunctionTool {
	return tool.NewFunctionTool("list_repos", "list repositories", map[string]any{"type": "object"},
		func(tc *tool.Context, _ map[string]any) (any, error) {
			cred, err := tc.Credential()
			if err != nil {
				return nil, err
			}
			return map[string]any{"provider": cred.Provider, "authorized": cred.AccessToken != ""}, nil
		},
		func(o *tool.FunctionToolOptions) { o.AuthProvider = "github" })
}

func TestRun_OAuthGatedTool(t *testing.T) {
	gw, err := gateway.New([]gateway.Provider{fakeProvider{}})
	require.NoError(t, err)

	r := &script{decisions: []Decision{
		{ToolCalls: []core.FunctionCall{call("c1", "list_repos", "")}},
		Final("you have repos"),
	}}
	w, l := newWorker(t, r, withTools(gatedTool()), func(o *Options) { o.Authorizer = gw })

	done := make(chan core.WorkerStatus, 1)
	go func() { done <- w.Run(context.Background(), "t1", core.Content{}, nil) }()

	steps := testutil.WaitForSteps(t, l, 1, time.Second)
	callPayload := steps[0].Payload.(core.ToolCallPayload)
	require.NotNil(t, callPayload.Authorization)
	assert.Equal(t, "github", callPayload.Authorization.Provider)

	u, err := url.Parse(callPayload.Authorization.RedirectURL)
	require.NoError(t, err)

	_, err = gw.CompleteAuthorization(context.Background(), u.Query().Get("state"), []byte("code"))
	require.NoError(t, err)

	require.Equal(t, core.WorkerCompleted, <-done)

	steps = l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepToolResult, core.StepFinal}, testutil.Kinds(steps))

	result := steps[1].Payload.(core.ToolResultPayload)
	assert.Equal(t, map[string]any{"provider": "github", "authorized": true}, result.Result)
	for _, s := range steps {
		assert.NotContains(t, fmtPayload(s), "secret-code")
	}
}

func TestRun_OAuthGrantReusedWithoutNotice(t *testing.T) {
	gw, err := gateway.New([]gateway.Provider{fakeProvider{}})
	require.NoError(t, err)

	st, err := gw.RequestAuthorization(context.Background(), "u1", "github", "earlier")
	require.NoError(t, err)
	_, err = gw.CompleteAuthorization(context.Background(), st.Token, []byte("code"))
	require.NoError(t, err)

	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "list_repos", "")}}, Final("ok")}}
	w, l := newWorker(t, r, withTools(gatedTool()), func(o *Options) { o.Authorizer = gw })

	require.Equal(t, core.WorkerCompleted, w.Run(context.Background(), "t1", core.Content{}, nil))

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepToolResult, core.StepFinal}, testutil.Kinds(steps))
	assert.Nil(t, steps[0].Payload.(core.ToolCallPayload).Authorization)
}

func TestRun_OAuthAuthorizationTimeout(t *testing.T) {
	gw, err := gateway.New([]gateway.Provider{fakeProvider{}}, func(o *gateway.Options) {
		o.AuthorizationTimeout = 30 * time.Millisecond
	})
	require.NoError(t, err)

	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "list_repos", "")}}}}
	w, l := newWorker(t, r, withTools(gatedTool()), func(o *Options) { o.Authorizer = gw })

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))

	steps := l.ReadFrom(-1)
	assert.Equal(t, []core.StepKind{core.StepToolCall, core.StepError}, testutil.Kinds(steps))
	assert.NotNil(t, steps[0].Payload.(core.ToolCallPayload).Authorization)

	p := testutil.ErrorPayload(t, steps[1])
	assert.Equal(t, core.CodeAuthorizationTimeout, p.Code)
	assert.Equal(t, "list_repos", p.Tool)
}

func TestRun_OAuthWithoutGatewayFails(t *testing.T) {
	r := &script{decisions: []Decision{{ToolCalls: []core.FunctionCall{call("c1", "list_repos", "")}}}}
	w, l := newWorker(t, r, withTools(gatedTool()))

	require.Equal(t, core.WorkerFailed, w.Run(context.Background(), "t1", core.Content{}, nil))
	assert.Equal(t, core.CodeProviderUnknown, testutil.ErrorPayload(t, testutil.Last(t, l.ReadFrom(-1))).Code)
}

func fmtPayload(s core.Step) string {
	b, _ := json.Marshal(s.Payload)
	return string(b)
}
