package planner

import (
	"context"
	"fmt"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/model"
)

// Sequential produces a strict linear chain: each artifact depends on the
// one before it, in the order the model stated them. The model's own wiring
// is discarded, which makes this the robust fallback when richer strategies
// fail.
type Sequential struct {
	base
}

// NewSequential constructs the sequential planner.
func NewSequential(client model.Client, cfg Config, opts ...Option) *Sequential {
	return &Sequential{base: newBase(client, cfg, opts...)}
}

// Plan implements Planner.
func (p *Sequential) Plan(ctx context.Context, goal string, pctx Context) (*graph.Graph, error) {
	resp, err := p.client.Complete(ctx, model.Request{
		Model:       p.cfg.Model,
		Messages:    planMessages(goal, pctx, sequentialPersona),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	arts, err := decodeArtifacts(resp.Text(), p.cfg.MaxArtifacts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	g, err := chainGraph(arts, pctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	p.log.Info(ctx, "sequential plan built", "artifacts", g.Len())
	return g, nil
}

// chainGraph wires artifacts into a linear chain in stated order.
func chainGraph(arts []*graph.Artifact, pctx Context) (*graph.Graph, error) {
	g := graph.New(graph.WithExternal(pctx.ExternalInputs...))
	prev := ""
	for _, art := range arts {
		linked := *art
		linked.Requires = nil
		if prev != "" {
			linked.Requires = []string{prev}
		}
		if err := g.Add(&linked); err != nil {
			return nil, err
		}
		prev = art.ID
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ContractFirst prompts for interface artifacts ahead of implementations
// and anchors them in the first wave by clearing their dependencies.
type ContractFirst struct {
	base
}

// NewContractFirst constructs the contract-first planner.
func NewContractFirst(client model.Client, cfg Config, opts ...Option) *ContractFirst {
	return &ContractFirst{base: newBase(client, cfg, opts...)}
}

// Plan implements Planner.
func (p *ContractFirst) Plan(ctx context.Context, goal string, pctx Context) (*graph.Graph, error) {
	resp, err := p.client.Complete(ctx, model.Request{
		Model:       p.cfg.Model,
		Messages:    planMessages(goal, pctx, contractFirstPersona),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	arts, err := decodeArtifacts(resp.Text(), p.cfg.MaxArtifacts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	contracts := 0
	g := graph.New(graph.WithExternal(pctx.ExternalInputs...))
	for _, art := range arts {
		anchored := *art
		if anchored.IsContract {
			anchored.Requires = nil
			contracts++
		}
		if err := g.Add(&anchored); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	if contracts == 0 {
		p.log.Warn(ctx, "contract-first plan has no contract artifacts", "artifacts", g.Len())
	}
	p.log.Info(ctx, "contract-first plan built", "artifacts", g.Len(), "contracts", contracts)
	return g, nil
}
