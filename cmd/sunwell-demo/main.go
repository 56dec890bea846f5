// Command sunwell-demo plans and executes a small goal twice against a
// scripted model provider, demonstrating the incremental executor: the
// first run builds every artifact, the second satisfies the whole graph
// from the execution cache.
//
// Events stream to stdout as NDJSON, one envelope per line; run summaries
// go to stderr so the event stream stays machine-readable:
//
//	sunwell-demo 2>/dev/null | jq .type
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"sunwell.dev/sunwell/features/model/gateway"
	"sunwell.dev/sunwell/runtime/cache"
	"sunwell.dev/sunwell/runtime/executor"
	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/planner"
	"sunwell.dev/sunwell/runtime/stream"
	"sunwell.dev/sunwell/runtime/telemetry"
)

const demoModelID = "scripted-demo"

// scriptedPlan is the canned planning response. The sequential strategy
// rewires dependencies into a chain, so the requires entries here only
// document intent.
const scriptedPlan = `{"artifacts": [
	{"id": "go-mod", "description": "Create go.mod declaring module hello with go 1.25", "produces": ["go.mod"], "modifies": ["go.mod"]},
	{"id": "hello-pkg", "description": "Write hello.go exporting Greet() string returning \"hello, world\"", "produces": ["hello"], "requires": ["go.mod"], "modifies": ["hello.go"]},
	{"id": "hello-test", "description": "Write hello_test.go asserting Greet() == \"hello, world\"", "produces": ["hello tests"], "requires": ["hello"], "modifies": ["hello_test.go"]},
	{"id": "readme", "description": "Write README.md documenting the hello module and its Greet function", "produces": ["readme"], "requires": ["hello"], "modifies": ["README.md"]}
]}`

// scriptedClient is an offline stand-in for a model provider. Planning
// requests get the canned plan; build requests get a deterministic file
// body derived from the task statement, so repeated runs hash identically.
type scriptedClient struct{}

func (scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	text := scriptedPlan
	if !isPlanRequest(req) {
		text = fmt.Sprintf("// Built by %s.\n// Task: %s\n", demoModelID, lastUserContent(req))
	}
	return model.Response{
		Content:    []model.Message{{Role: "assistant", Content: text}},
		Usage:      model.TokenUsage{InputTokens: 64, OutputTokens: 128},
		StopReason: "stop_sequence",
	}, nil
}

func (scriptedClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func isPlanRequest(req model.Request) bool {
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "planning engine") {
			return true
		}
	}
	return false
}

func lastUserContent(req model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func main() {
	var (
		goalF  = flag.String("goal", "build hello module", "Goal to plan and execute")
		cacheF = flag.String("cache", "", "Cache database path (default: throwaway temp file)")
		dbgF   = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Human logs and summaries go to stderr; stdout carries
	// the NDJSON event stream only.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithOutput(os.Stderr), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *goalF, *cacheF); err != nil {
		log.Fatalf(ctx, err, "demo failed")
	}
}

func run(ctx context.Context, goal, cachePath string) error {
	sessionID := uuid.NewString()
	logger := telemetry.NewClueLogger()

	// 1) Event plumbing: every planner and executor event streams to
	// stdout as NDJSON.
	bus := hooks.NewBus()
	bridge, err := stream.Attach(bus, stream.NewNDJSONSink(os.Stdout), stream.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("attach event sink: %w", err)
	}
	defer bridge.Close(ctx)

	// 2) Model access goes through the gateway, as a deployment would wire
	// it. The remote client speaks normalized types; the server fronts the
	// scripted provider.
	srv, err := gateway.NewServer(gateway.WithProvider(scriptedClient{}))
	if err != nil {
		return fmt.Errorf("model gateway: %w", err)
	}
	client := gateway.NewRemoteClient(
		srv.Complete,
		func(ctx context.Context, req model.Request) (model.Streamer, error) {
			return nil, model.ErrStreamingUnsupported
		},
	)

	// 3) Plan the goal.
	pl, err := planner.New(client, planner.Config{
		Strategy: planner.StrategySequential,
		Model:    demoModelID,
	}, planner.WithBus(bus), planner.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("construct planner: %w", err)
	}
	g, err := pl.Plan(ctx, goal, planner.Context{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("plan goal: %w", err)
	}
	waves, err := g.ExecutionWaves()
	if err != nil {
		return fmt.Errorf("compute waves: %w", err)
	}
	fmt.Fprintf(os.Stderr, "planned %d artifacts in %d waves for %q\n", g.Len(), len(waves), goal)

	// 4) Execution cache. A named path survives across invocations, so
	// running the binary twice with -cache also demonstrates the skip.
	if cachePath == "" {
		dir, err := os.MkdirTemp("", "sunwell-demo-")
		if err != nil {
			return fmt.Errorf("temp cache dir: %w", err)
		}
		defer os.RemoveAll(dir)
		cachePath = filepath.Join(dir, "cache.db")
	}
	store, err := cache.Open(ctx, cachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	// 5) The build step asks the model for the artifact body, standing in
	// for a full subagent run.
	create := func(ctx context.Context, art *graph.Artifact) (*executor.Result, error) {
		resp, err := client.Complete(ctx, model.Request{
			Model: demoModelID,
			Messages: []*model.Message{
				{Role: "system", Content: "You are a build agent. Emit only the file content for the task."},
				{Role: "user", Content: art.Description},
			},
			MaxTokens: 512,
		})
		if err != nil {
			return nil, err
		}
		return &executor.Result{
			Content: []byte(resp.Text()),
			RunID:   uuid.NewString(),
			ModelID: demoModelID,
		}, nil
	}
	exec := executor.New(store, create,
		executor.WithBus(bus),
		executor.WithLogger(logger),
		executor.WithToolStamp("sunwell-demo/1"),
	)

	// 6) Run twice. The second pass finds every artifact unchanged and
	// reports it as a cache hit; watch artifact_cache_hit and
	// execution_plan_computed on stdout.
	for pass := 1; pass <= 2; pass++ {
		res, err := exec.Execute(ctx, sessionID, goal, g)
		if err != nil {
			return fmt.Errorf("execute pass %d: %w", pass, err)
		}
		fmt.Fprintf(os.Stderr, "pass %d: completed=%d skipped=%d failed=%d in %s\n",
			pass, res.Completed, res.Skipped, res.Failed, res.Duration)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	fmt.Fprintf(os.Stderr, "cache %s: %d entries, %d hits\n", cachePath, stats.Entries, stats.Hits)
	return nil
}
