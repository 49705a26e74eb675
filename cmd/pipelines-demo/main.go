// Pipelines demo
//
// Runs the handful of worked scenarios pipelines are built to satisfy:
// a restartable search box, a dropping save button, an enqueued queue of
// jobs, a keep-latest poller, a rescue/finally body, and a pair of
// pipelines with different shutdown behavior. Each scenario's
// invocation schedule is described in YAML and replayed against a
// runtime instance built fresh for that scenario.
//
// Usage:
//
//	go run ./cmd/pipelines-demo                 # run every scenario
//	go run ./cmd/pipelines-demo -scenario restartable # run just one
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/runtime"
	"github.com/keechma/keechma-pipelines/typeutil"
)

// stdLogger implements runtime.Logger using the standard library log
// package.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, kv ...any) { log.Printf("[DEBUG] %s %v", msg, kv) }
func (l *stdLogger) Info(msg string, kv ...any)  { log.Printf("[INFO] %s %v", msg, kv) }
func (l *stdLogger) Warn(msg string, kv ...any)  { log.Printf("[WARN] %s %v", msg, kv) }
func (l *stdLogger) Error(msg string, kv ...any) { log.Printf("[ERROR] %s %v", msg, kv) }

// scheduleEntry is one invocation in a scenario's YAML-described
// schedule: fire arg at afterMS milliseconds from the scenario start.
type scheduleEntry struct {
	AfterMS int `yaml:"after_ms"`
	Arg     any `yaml:"arg"`
}

type schedule struct {
	Entries []scheduleEntry `yaml:"entries"`
}

func loadSchedule(raw string) schedule {
	var s schedule
	if err := yaml.Unmarshal([]byte(raw), &s); err != nil {
		log.Fatalf("invalid schedule: %v", err)
	}
	return s
}

// sharedState is the append-only "state*" ref the worked scenarios
// thread through steps, guarded for concurrent invocations.
type sharedState struct {
	mu     sync.Mutex
	values []any
}

func (s *sharedState) append(v any) {
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
}

func (s *sharedState) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any{}, s.values...)
}

const restartableSchedule = `
entries:
  - {after_ms: 0,   arg: "S"}
  - {after_ms: 20,  arg: "SE"}
  - {after_ms: 40,  arg: "SEA"}
  - {after_ms: 60,  arg: "SEAR"}
  - {after_ms: 60,  arg: "SEARC"}
  - {after_ms: 80,  arg: "SEARCH"}
`

func runRestartable(logger runtime.Logger) {
	state := &sharedState{}
	p := pipeline.New("search", pipeline.Func(func(v any, _ error) (any, error) {
		time.Sleep(250 * time.Millisecond)
		state.append(v)
		return v, nil
	})).Restartable("search-queue", 1)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{p}, runtime.Options{Logger: logger})
	replay(rt, "search", loadSchedule(restartableSchedule))
	time.Sleep(300 * time.Millisecond)
	fmt.Printf("restartable final state: %v\n", state.snapshot())
}

const droppingSchedule = `
entries:
  - {after_ms: 0,  arg: 1}
  - {after_ms: 20, arg: 2}
  - {after_ms: 40, arg: 3}
  - {after_ms: 60, arg: 4}
  - {after_ms: 80, arg: 5}
  - {after_ms: 100, arg: 6}
`

func runDropping(logger runtime.Logger) {
	state := &sharedState{}
	p := pipeline.New("save", pipeline.Func(func(v any, _ error) (any, error) {
		time.Sleep(250 * time.Millisecond)
		state.append(v)
		return v, nil
	})).Dropping("save-queue", 1)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{p}, runtime.Options{Logger: logger})
	replay(rt, "save", loadSchedule(droppingSchedule))
	time.Sleep(300 * time.Millisecond)
	fmt.Printf("dropping final state: %v\n", state.snapshot())
}

const enqueuedSchedule = `
entries:
  - {after_ms: 0,  arg: FIRST}
  - {after_ms: 20, arg: SECOND}
  - {after_ms: 40, arg: THIRD}
  - {after_ms: 60, arg: FOURTH}
  - {after_ms: 80, arg: FIFTH}
  - {after_ms: 100, arg: SIXTH}
`

func runEnqueued(logger runtime.Logger) {
	state := &sharedState{}
	p := pipeline.New("job", pipeline.Func(func(v any, _ error) (any, error) {
		state.append(v)
		time.Sleep(50 * time.Millisecond)
		state.append(fmt.Sprintf("DONE-%v", v))
		return v, nil
	})).Enqueued("job-queue", 1)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{p}, runtime.Options{Logger: logger})
	replay(rt, "job", loadSchedule(enqueuedSchedule))
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("enqueued final state: %v\n", state.snapshot())
}

const keepLatestSchedule = `
entries:
  - {after_ms: 0,  arg: {cursor: 1}}
  - {after_ms: 20, arg: {cursor: 2}}
  - {after_ms: 40, arg: {cursor: 3}}
  - {after_ms: 60, arg: {cursor: 4}}
  - {after_ms: 80, arg: {cursor: 5}}
  - {after_ms: 100, arg: {cursor: 6}}
`

func runKeepLatest(logger runtime.Logger) {
	state := &sharedState{}
	// A poller's arg arrives as a loosely-typed map decoded off the
	// YAML schedule (yaml.v3 hands back map[string]interface{} for a
	// mapping node) rather than a concrete Go type, so the step pulls
	// its cursor out defensively instead of asserting the shape.
	p := pipeline.New("poll", pipeline.Func(func(v any, _ error) (any, error) {
		time.Sleep(250 * time.Millisecond)
		fields := typeutil.SafeMapStringAnyDefault(v, nil)
		state.append(typeutil.SafeIntDefault(fields["cursor"], -1))
		return v, nil
	})).KeepLatest("poll-queue", 1)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{p}, runtime.Options{Logger: logger})
	replay(rt, "poll", loadSchedule(keepLatestSchedule))
	time.Sleep(600 * time.Millisecond)
	fmt.Printf("keepLatest final state: %v\n", state.snapshot())
}

func runRescueFinally(logger runtime.Logger) {
	state := &sharedState{}
	var reported int

	p := pipeline.New("risky",
		pipeline.Func(func(v any, _ error) (any, error) {
			state.append("begin")
			return nil, fmt.Errorf("boom")
		}),
	).Rescue(
		pipeline.Func(func(v any, err error) (any, error) {
			state.append("rescue")
			return v, nil
		}),
	).Finally(
		pipeline.Func(func(v any, err error) (any, error) {
			state.append("finally")
			return v, nil
		}),
	)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{p}, runtime.Options{
		Logger:        logger,
		ErrorReporter: func(error) { reported++ },
	})
	rt.Invoke(context.Background(), "risky", nil, runtime.InvokeOpts{})
	fmt.Printf("rescue+finally final state: %v (errorReporter calls: %d)\n", state.snapshot(), reported)
}

func runShutdown(logger runtime.Logger) {
	state := &sharedState{}

	// CancelOnShutdown defaults to false (a pipeline survives Stop unless
	// it opts in); survivor relies on that default. doomed and its
	// occupant opt in and share a queue so doomed is still waiting in
	// line, not running, when Stop fires — a cancelled step never runs
	// at all, rather than running and then discovering it lost the race.
	survivor := pipeline.New("survivor", pipeline.Func(func(v any, _ error) (any, error) {
		time.Sleep(100 * time.Millisecond)
		state.append("survivor-done")
		return v, nil
	})).Enqueued("survivor-queue", 1)

	occupant := pipeline.New("doomed-occupant", pipeline.Func(func(v any, _ error) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return v, nil
	})).Enqueued("doomed-queue", 1).CancelOnShutdown(true)

	doomed := pipeline.New("doomed", pipeline.Func(func(v any, _ error) (any, error) {
		state.append("doomed-done")
		return v, nil
	})).Enqueued("doomed-queue", 1).CancelOnShutdown(true)

	rt := runtime.Start(context.Background(), []*pipeline.Pipeline{survivor, occupant, doomed}, runtime.Options{Logger: logger})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); rt.Invoke(context.Background(), "survivor", nil, runtime.InvokeOpts{}) }()
	go func() { defer wg.Done(); rt.Invoke(context.Background(), "doomed-occupant", nil, runtime.InvokeOpts{}) }()
	// Give the occupant a head start so it is admitted onto doomed-queue
	// first, forcing doomed itself to queue behind it.
	time.Sleep(10 * time.Millisecond)
	go func() { defer wg.Done(); rt.Invoke(context.Background(), "doomed", nil, runtime.InvokeOpts{}) }()

	time.Sleep(10 * time.Millisecond)
	cancelled := rt.Stop()
	wg.Wait()

	fmt.Printf("shutdown cancelled idents: %v\n", cancelled)
	fmt.Printf("shutdown final state: %v\n", state.snapshot())
}

// replay fires every entry in s against pipelineRef, sleeping between
// entries for the delta implied by their after_ms offsets.
func replay(rt *runtime.Runtime, pipelineRef string, s schedule) {
	var elapsed time.Duration
	for _, e := range s.Entries {
		target := time.Duration(e.AfterMS) * time.Millisecond
		if target > elapsed {
			time.Sleep(target - elapsed)
			elapsed = target
		}
		go rt.Invoke(context.Background(), pipelineRef, e.Arg, runtime.InvokeOpts{})
	}
}

func main() {
	scenario := flag.String("scenario", "all", "restartable|dropping|enqueued|keeplatest|rescue|shutdown|all")
	flag.Parse()

	logger := &stdLogger{}
	logger.Info("pipelines_demo_starting", "scenario", *scenario)

	scenarios := map[string]func(runtime.Logger){
		"restartable": runRestartable,
		"dropping":    runDropping,
		"enqueued":    runEnqueued,
		"keeplatest":  runKeepLatest,
		"rescue":      runRescueFinally,
		"shutdown":    runShutdown,
	}

	run := func(name string) {
		fn, ok := scenarios[name]
		if !ok {
			log.Fatalf("unknown scenario %q", name)
		}
		fmt.Printf("--- %s ---\n", name)
		fn(logger)
	}

	if *scenario == "all" {
		for _, name := range []string{"restartable", "dropping", "enqueued", "keeplatest", "rescue", "shutdown"} {
			run(name)
		}
		return
	}
	run(*scenario)
}
