package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	ctxengine "github.com/user/r1x/internal/context"
	"github.com/user/r1x/internal/gateway"
	"github.com/user/r1x/internal/types"
	"github.com/user/r1x/pkg/llm"
)

// Defaults for the completion loop.
const (
	DefaultMaxIterations = 2
	DefaultSoftLimit     = 2048
	DefaultHardLimit     = 4000
	DefaultTemperature   = 0.2
)

// Stat names recorded on the run.
const (
	StatIterations      = "tools-flow:iterations"
	StatToolInvocations = "tools-flow:tool-invocations"
	StatSuccess         = "tools-flow:success"
	StatContentFilter   = "completion:content-filter"
)

var errExhausted = errors.New("iteration budget exhausted")

// Route is a provider and the model to request from it.
type Route struct {
	Provider llm.Provider
	Model    string
}

// Config configures an Orchestrator. Zero values fall back to defaults.
type Config struct {
	// Default serves the stable channel.
	Default Route
	// Canary serves the canary channel; it falls back to Default when unset.
	Canary Route
	// Secondary answers requests the default route refused on content
	// filter grounds. Optional.
	Secondary Route

	Temperature   float32
	MaxIterations int
	SoftLimit     int
	HardLimit     int
	Retry         *llm.RetryPolicy
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// Request is one completion request for a chat.
type Request struct {
	// Messenger is the display name of the channel, e.g. "Telegram".
	Messenger string
	// History holds the chat turns, oldest first, ending with the message
	// being answered.
	History []llm.Message
	// Origin is the message being answered.
	Origin *types.ParsedMessage
}

// Completion is the orchestrator's answer.
type Completion struct {
	Text  string
	Usage llm.Usage
	// Fallback reports whether the answer came from the direct completion.
	Fallback bool
}

// Orchestrator runs the bounded tool loop against a completion provider and
// falls back to a direct completion when the loop yields no answer.
type Orchestrator struct {
	cfg      Config
	engine   *ctxengine.Engine
	registry *Registry
	retry    *llm.RetryPolicy
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, engine *ctxengine.Engine, registry *Registry) *Orchestrator {
	if cfg.Canary.Provider == nil {
		cfg.Canary.Provider = cfg.Default.Provider
	}
	if cfg.Canary.Model == "" {
		cfg.Canary.Model = "gpt-4"
	}
	if cfg.Default.Model == "" {
		cfg.Default.Model = "gpt-3.5-turbo"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = DefaultSoftLimit
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	if registry == nil {
		registry = NewRegistry()
	}
	o := &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if o.retry == nil {
		o.retry = llm.DefaultRetryPolicy()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Complete answers the last turn of req.History.
func (o *Orchestrator) Complete(ctx context.Context, run *gateway.Run, req Request) (*Completion, error) {
	logger := run.Logger.With("component", "orchestrator")

	history := o.trim(nil, req.History).Turns
	var usage llm.Usage

	text, err := o.loop(ctx, run, req, history, &usage)
	if err == nil {
		return &Completion{Text: text, Usage: usage}, nil
	}

	logger.Warn("tool flow produced no answer, falling back to direct completion", "error", err)
	run.SetStat(StatSuccess, false)

	text, err = o.direct(ctx, run, req, &usage)
	if err != nil {
		return nil, fmt.Errorf("direct completion: %w", err)
	}
	return &Completion{Text: text, Usage: usage, Fallback: true}, nil
}

// loop runs up to MaxIterations model calls. The last call offers no tools.
func (o *Orchestrator) loop(ctx context.Context, run *gateway.Run, req Request, history []llm.Message, usage *llm.Usage) (string, error) {
	var results []string
	invocations := 0
	run.SetStat(StatToolInvocations, invocations)

	for i := 0; i < o.cfg.MaxIterations; i++ {
		run.SetStat(StatIterations, i+1)
		final := i == o.cfg.MaxIterations-1

		step, err := o.step(ctx, run, req, history, results, final)
		*usage = usage.Add(step.Usage)
		if err != nil {
			return "", err
		}
		run.Logger.Debug("completion step", "iteration", i+1, "kind", step.Kind.String(), "tool", step.Tool)

		switch step.Kind {
		case StepAnswer:
			answer := step.Answer
			if invocations > 0 {
				answer = searchPrefix + answer
			}
			run.SetStat(StatSuccess, true)
			return answer, nil

		case StepToolCall:
			invocations++
			run.SetStat(StatToolInvocations, invocations)

			response, terminal, err := o.invoke(ctx, run, req, step)
			if err != nil {
				return "", err
			}
			if terminal {
				run.SetStat(StatSuccess, true)
				return AlertConfirmation, nil
			}
			results = append(results, toolResult(step.Tool, inputText(step.Input), response, o.clock.Now()))
		}
	}
	return "", errExhausted
}

// step performs one model call and interprets the reply.
func (o *Orchestrator) step(ctx context.Context, run *gateway.Run, req Request, history []llm.Message, results []string, final bool) (Step, error) {
	route := o.route(run)
	tmpl := toolsPrompt
	if final {
		tmpl = finalPrompt
	}
	prep, err := render(tmpl, o.promptData(req.Messenger, route.Model, o.clock.Now()))
	if err != nil {
		return Step{}, err
	}

	resp, err := o.call(ctx, run, buildPrompt(prep, history, results))
	if err != nil {
		return Step{}, err
	}

	if final {
		answer := finalAnswer(resp.Content)
		if answer == "" {
			return Step{Usage: resp.Usage}, nil
		}
		return Step{Kind: StepAnswer, Answer: answer, Usage: resp.Usage}, nil
	}

	step, err := parseReply(resp.Content)
	if err != nil {
		run.Logger.Debug("unparsable model reply", "error", err)
		return Step{Usage: resp.Usage}, nil
	}
	step.Usage = resp.Usage
	return step, nil
}

// invoke executes the tool requested by step.
func (o *Orchestrator) invoke(ctx context.Context, run *gateway.Run, req Request, step Step) (string, bool, error) {
	tool, ok := o.registry.Lookup(step.Tool)
	if !ok {
		run.Logger.Warn("model requested unknown tool", "tool", step.Tool)
		return "", false, nil
	}

	call := Call{Input: step.Input, Now: o.clock.Now()}
	if req.Origin != nil {
		call.ChatKey = req.Origin.ChatKey()
		call.MessageID = req.Origin.MessageID
	}

	start := time.Now()
	out, err := tool.Execute(ctx, call)
	if err != nil {
		return "", false, fmt.Errorf("tool %s: %w", tool.Name(), err)
	}
	run.Logger.Info("tool invoked", "tool", tool.Name(), "input", inputText(step.Input),
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, isTerminal(tool), nil
}

// direct is the no-tool completion over the system preamble and history.
func (o *Orchestrator) direct(ctx context.Context, run *gateway.Run, req Request, usage *llm.Usage) (string, error) {
	route := o.route(run)
	content, err := render(systemPrompt, o.promptData(req.Messenger, route.Model, o.clock.Now()))
	if err != nil {
		return "", err
	}
	preamble := &llm.Message{Role: llm.RoleSystem, Content: content}

	resp, err := o.call(ctx, run, o.trim(preamble, req.History).Messages())
	if err != nil {
		return "", err
	}
	*usage = usage.Add(resp.Usage)
	return resp.Content, nil
}

// trim fits history into the token budget and merges same-role turns.
func (o *Orchestrator) trim(preamble *llm.Message, history []llm.Message) *ctxengine.Window {
	w := o.engine.Build(preamble, history, o.cfg.SoftLimit, o.cfg.HardLimit)
	w.Turns = MergeTurns(w.Turns)
	return w
}

func (o *Orchestrator) route(run *gateway.Run) Route {
	if run.FeatureChannel == gateway.ChannelCanary {
		return o.cfg.Canary
	}
	return o.cfg.Default
}

// call sends messages on the run's route, retrying rate limits and
// rerouting content-filtered default requests to the secondary provider.
func (o *Orchestrator) call(ctx context.Context, run *gateway.Run, messages []llm.Message) (*llm.Response, error) {
	route := o.route(run)
	resp, err := o.complete(ctx, route, messages)
	if err == nil {
		return resp, nil
	}

	canary := run.FeatureChannel == gateway.ChannelCanary
	if errors.Is(err, llm.ErrContentFiltered) && !canary && o.cfg.Secondary.Provider != nil {
		run.Logger.Info("content filter applied, retrying on secondary provider")
		run.SetStat(StatContentFilter, true)
		secondary := o.cfg.Secondary
		if secondary.Model == "" {
			secondary.Model = route.Model
		}
		return o.complete(ctx, secondary, messages)
	}
	return nil, err
}

func (o *Orchestrator) complete(ctx context.Context, route Route, messages []llm.Message) (*llm.Response, error) {
	if route.Provider == nil {
		return nil, fmt.Errorf("no provider configured for model %s", route.Model)
	}
	var resp *llm.Response
	err := o.retry.Execute(ctx, func() error {
		var err error
		resp, err = route.Provider.Complete(ctx, llm.Request{
			Model:       route.Model,
			Messages:    messages,
			Temperature: o.cfg.Temperature,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
