package ai

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flowlens/internal/config"
	"flowlens/internal/domain"
	"flowlens/internal/logging"
)

// Result is the outcome of one global analysis. Provider names the source
// of the payload: a provider name or SimulationName.
type Result struct {
	Provider string            `json:"provider"`
	Payload  domain.AIAnalysis `json:"payload"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns"`
}

// Failed reports whether the payload is an error payload.
func (r Result) Failed() bool { return r.Error != "" }

// Orchestrator dispatches analyses to providers in priority order. With no
// providers it runs the simulator.
type Orchestrator struct {
	Providers    []Provider
	Simulator    Simulator
	SystemPrompt string
	Timeout      time.Duration
	// FallThrough tries the next provider after a failure instead of
	// returning the error payload immediately.
	FallThrough bool
	Log         *zap.SugaredLogger
	Now         func() time.Time

	known []string
}

// New builds an orchestrator from config, resolving provider keys from the
// environment and loading the system prompt.
func New(cfg *config.Config, log *zap.SugaredLogger) *Orchestrator {
	log = logging.OrNop(log).Named("ai")
	prompt, err := LoadSystemPrompt(cfg.AI.SystemPromptFile)
	if err != nil {
		log.Warnw("system prompt unavailable, using fallback", "path", cfg.AI.SystemPromptFile, "error", err)
	}
	o := &Orchestrator{
		Providers: ProvidersFromConfig(cfg.AI, log),
		Simulator: Simulator{
			BlockedCritical:  cfg.Thresholds.SimulatorBlockedCritical,
			ReviewBottleneck: cfg.Thresholds.SimulatorReviewBottleneck,
		},
		SystemPrompt: prompt,
		Timeout:      cfg.AI.Timeout(),
		FallThrough:  cfg.AI.FallThrough,
		Log:          log,
	}
	for _, pc := range cfg.AI.Providers {
		o.known = append(o.known, pc.Name)
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) log() *zap.SugaredLogger {
	return logging.OrNop(o.Log)
}

// Available maps every known provider to whether it is usable.
func (o *Orchestrator) Available() map[string]bool {
	out := map[string]bool{SimulationName: true}
	for _, name := range o.known {
		out[name] = false
	}
	for _, p := range o.Providers {
		out[p.Name()] = true
	}
	return out
}

// Analyze runs a global analysis. It never returns an error: provider
// failures become an error payload with a technical risk.
func (o *Orchestrator) Analyze(ctx context.Context, ents domain.Entities) Result {
	start := time.Now()
	if len(o.Providers) == 0 {
		return Result{
			Provider: SimulationName,
			Payload:  o.Simulator.Analyze(ents),
			Duration: time.Since(start),
		}
	}
	system := o.SystemPrompt
	if system == "" {
		system = FallbackSystemPrompt
	}
	user := GlobalPrompt(BuildContext(ents, o.now()))

	var res Result
	for i, p := range o.Providers {
		text, err := o.call(ctx, p, system, user)
		if err == nil {
			if missing := Missing(text); len(missing) > 0 {
				o.log().Warnw("ai response incomplete", "provider", p.Name(), "missing", missing)
			}
			return Result{Provider: p.Name(), Payload: Normalize(text), Duration: time.Since(start)}
		}
		o.log().Warnw("ai provider failed", "provider", p.Name(), "error", err)
		res = Result{Provider: p.Name(), Payload: ErrorPayload(err.Error()), Error: err.Error()}
		last := i == len(o.Providers)-1
		if !o.FallThrough || last || ctx.Err() != nil {
			break
		}
	}
	res.Duration = time.Since(start)
	return res
}

type generation struct {
	text string
	err  error
}

// call runs one provider attempt under the configured timeout. A provider
// that ignores cancellation is abandoned when the deadline passes.
func (o *Orchestrator) call(ctx context.Context, p Provider, system, user string) (string, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan generation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- generation{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		text, err := p.Generate(cctx, system, user)
		done <- generation{text: text, err: err}
	}()

	select {
	case g := <-done:
		if g.err != nil {
			return "", &ProviderError{Provider: p.Name(), Err: g.err}
		}
		return g.text, nil
	case <-cctx.Done():
		return "", &ProviderError{Provider: p.Name(), Err: cctx.Err()}
	}
}
