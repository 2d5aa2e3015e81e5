// Package stub provides a scripted adapter for engine tests and local
// development without provider accounts.
package stub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
)

// Step scripts the outcome of one call
type Step struct {
	// Result is returned on success; a default echo result is used when nil
	Result *providers.Result
	// Err is returned instead of a result, after any Chunks were streamed
	Err error
	// Delay simulates latency and honors the attempt timeout
	Delay time.Duration
	// Chunks are delivered before completing a streaming call
	Chunks []string
}

// Call records what the adapter was asked to do
type Call struct {
	Task   models.TaskType
	KeyFP  string
	Stream bool
}

// Adapter is a providers.StreamingAdapter whose outcomes are scripted
type Adapter struct {
	id      string
	profile models.ProviderProfile

	mu       sync.Mutex
	script   []Step
	fallback Step
	calls    []Call
}

// New creates a stub offering the given capabilities at a flat price of
// 0.001 per 1K input and 0.002 per 1K output tokens
func New(id string, capabilities ...models.TaskType) *Adapter {
	if len(capabilities) == 0 {
		capabilities = []models.TaskType{models.TaskChat}
	}
	cost := make(map[models.TaskType]models.UnitCost, len(capabilities))
	defaultModels := make(map[models.TaskType]string, len(capabilities))
	for _, task := range capabilities {
		cost[task] = models.UnitCost{Input: decimal.RequireFromString("0.001"), Output: decimal.RequireFromString("0.002")}
		defaultModels[task] = id + "-" + string(task)
	}
	return &Adapter{
		id: id,
		profile: models.ProviderProfile{
			ProviderID:          id,
			DisplayName:         "Stub " + id,
			Capabilities:        capabilities,
			CostTable:           cost,
			DefaultTimeout:      5 * time.Second,
			DefaultModels:       defaultModels,
			DefaultOutputTokens: 100,
		},
	}
}

// Builder creates a chat-only stub named "stub"
func Builder(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New("stub", models.TaskChat, models.TaskEmbed, models.TaskVision, models.TaskRerank), nil
}

// WithProfile replaces the profile, keeping the id
func (a *Adapter) WithProfile(fn func(p *models.ProviderProfile)) *Adapter {
	fn(&a.profile)
	a.profile.ProviderID = a.id
	return a
}

// Script queues steps consumed one per call
func (a *Adapter) Script(steps ...Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, steps...)
	return a
}

// Always sets the step used once the script is exhausted
func (a *Adapter) Always(step Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = step
	return a
}

// Calls returns every call made so far
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallCount returns the number of calls made so far
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return a.id
}

// Profile returns the stub profile
func (a *Adapter) Profile() models.ProviderProfile {
	return a.profile
}

// ValidateKey rejects empty keys and keys containing "invalid"
func (a *Adapter) ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key must not be empty")
	}
	if strings.Contains(key, "invalid") {
		return errors.New("key rejected by stub")
	}
	return nil
}

func (a *Adapter) next(task models.TaskType, cred providers.Credential, stream bool) Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	fp := cred.Key
	if len(fp) > 4 {
		fp = fp[len(fp)-4:]
	}
	a.calls = append(a.calls, Call{Task: task, KeyFP: fp, Stream: stream})

	if len(a.script) == 0 {
		return a.fallback
	}
	step := a.script[0]
	a.script = a.script[1:]
	return step
}

func (a *Adapter) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return providers.NewFailure(a.id, providers.FailureTimeout, 0, "deadline exceeded", ctx.Err())
		}
		return ctx.Err()
	}
}

func (a *Adapter) result(task models.TaskType, p *providers.Payload, step Step) *providers.Result {
	if step.Result != nil {
		r := *step.Result
		return &r
	}
	r := &providers.Result{Model: a.profile.ModelFor(task), TokensIn: 10, TokensOut: 20}
	switch task {
	case models.TaskEmbed:
		r.TokensOut = 0
		r.Embeddings = make([][]float64, len(p.Input))
		for i := range r.Embeddings {
			r.Embeddings[i] = []float64{float64(i)}
		}
	case models.TaskRerank:
		r.TokensOut = 0
		for i := range p.Documents {
			r.Rankings = append(r.Rankings, providers.Ranking{Index: i, Score: 1 / float64(i+1)})
		}
	default:
		r.Content = a.id + " ok"
	}
	return r
}

// Invoke plays the next scripted step
func (a *Adapter) Invoke(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration) (*providers.Result, error) {
	if !a.profile.Supports(task) {
		return nil, providers.Unsupported(a.id, task)
	}
	step := a.next(task, cred, false)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := a.wait(ctx, step.Delay); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	r := a.result(task, p, step)
	r.Latency = providers.Elapsed(start)
	return r, nil
}

// InvokeStream streams the step's chunks, then fails with Err if set
func (a *Adapter) InvokeStream(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration, cb providers.StreamCallback) (*providers.Result, error) {
	if !a.profile.Supports(task) {
		return nil, providers.Unsupported(a.id, task)
	}
	step := a.next(task, cred, true)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := a.wait(ctx, step.Delay); err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, c := range step.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content.WriteString(c)
		if err := cb(providers.Chunk{Delta: c}); err != nil {
			return nil, err
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	r := a.result(task, p, step)
	if len(step.Chunks) > 0 {
		r.Content = content.String()
	}
	r.Latency = providers.Elapsed(start)
	return r, nil
}
