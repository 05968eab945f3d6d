// Loom CLI - runs a synthetic threaded workload on the loom scheduler
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/loom/manifest"
	"github.com/chazu/loom/vm"
)

var log = commonlog.GetLogger("loom.cmd")

type workload struct {
	threads int
	failing int
	io      int
	fatal   bool
	work    time.Duration
	nested  bool
	dump    string
}

func main() {
	dir := flag.String("C", ".", "Directory to search for loom.toml")
	initConfig := flag.Bool("init", false, "Write a default loom.toml to the -C directory and exit")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	var w workload
	flag.IntVar(&w.threads, "threads", 8, "Number of background threads to spawn")
	flag.IntVar(&w.failing, "fail", 0, "How many of them raise a script error")
	flag.IntVar(&w.io, "io", 0, "How many additional I/O threads to spawn")
	flag.BoolVar(&w.fatal, "fatal", false, "Make one background thread fail with an engine bug")
	flag.DurationVar(&w.work, "work", 20*time.Millisecond, "Simulated work per thread")
	flag.BoolVar(&w.nested, "nested", false, "Evaluate a nested main before spawning")
	flag.StringVar(&w.dump, "dump", "", "Write a CBOR thread dump taken mid-run to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loom [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a main thread that spawns background threads, joins them and reports faults.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loom -threads 100 -fail 3      # 100 threads, 3 script errors\n")
		fmt.Fprintf(os.Stderr, "  loom -io 4 -dump run.cbor      # with I/O threads and a dump\n")
		fmt.Fprintf(os.Stderr, "  loom -C ./engine -init         # write ./engine/loom.toml\n")
	}
	flag.Parse()

	if *initConfig {
		if err := manifest.Default().Write(*dir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}
	if *verbosity >= 0 {
		m.Log.Verbosity = *verbosity
	}
	commonlog.Configure(m.Log.Verbosity, m.LogPath())

	opts, err := m.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	opts.Uncaught = func(t *vm.LogicalThread, err error) {
		fmt.Fprintf(os.Stderr, "Exception in thread %q: %v\n", t.Name(), err)
	}

	sched := vm.NewScheduler(opts)
	if _, err := sched.CreateMain(vm.ExecutableFunc(w.run)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	result, err := sched.RunMain()
	elapsed := time.Since(start)

	faults := sched.Faults()
	for _, f := range faults {
		kind := "error"
		if f.Fatal {
			kind = "fatal"
		}
		fmt.Printf("fault: %s %s: %v\n", kind, f.Thread, f.Err)
	}
	if err != nil {
		var inv *vm.InvocationError
		if errors.As(err, &inv) {
			fmt.Fprintf(os.Stderr, "Run %s failed in %s\n", inv.RunID, inv.ThreadName)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%v (%d faults, %s)\n", result, len(faults), elapsed.Round(time.Millisecond))
}

// run is the body of the main thread.
func (w workload) run(rt *vm.Runtime, _ []any) (any, error) {
	sched := rt.Scheduler()
	self := rt.Thread()

	if w.nested {
		v, err := sched.EvalNested(vm.ExecutableFunc(func(nested *vm.Runtime, _ []any) (any, error) {
			nested.Globals().Set("nested", true)
			return nested.Thread().Name(), nil
		}))
		if err != nil {
			return nil, err
		}
		log.Info("nested evaluation finished", "main", v)
	}

	var adapters []*vm.RunAdapter
	spawn := func(exec vm.ExecutableFunc, opts vm.BackgroundOptions) error {
		t, err := sched.CreateBackground(exec, opts)
		if err != nil {
			return err
		}
		a, err := sched.RunBackground(t, t.ID())
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
		return nil
	}

	for i := 0; i < w.threads; i++ {
		exec := w.worker
		switch {
		case i < w.failing:
			exec = w.failingWorker
		case w.fatal && i == w.threads-1:
			exec = brokenWorker
		}
		if err := spawn(exec, vm.BackgroundOptions{}); err != nil {
			return nil, err
		}
	}
	for i := 0; i < w.io; i++ {
		if err := spawn(w.worker, vm.BackgroundOptions{Name: fmt.Sprintf("io-%d", i), IO: true}); err != nil {
			return nil, err
		}
	}

	if w.dump != "" {
		data, err := vm.EncodeDump(sched.Dump())
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(w.dump, data, 0644); err != nil {
			return nil, err
		}
	}

	// the summary is printed from a continuation worker, after every join
	cont := sched.FetchContinuationThread(true)
	completed, failed := 0, 0
	for _, a := range adapters {
		if _, err := a.Join(self); err != nil {
			if vm.IsAborted(err) || errors.Is(err, vm.ErrInterrupted) {
				return nil, err
			}
			failed++
			continue
		}
		completed++
	}
	if err := cont.Post(func() {
		log.Info("workload joined", "completed", completed, "failed", failed)
	}); err != nil {
		return nil, err
	}
	return fmt.Sprintf("%d threads completed, %d failed", completed, failed), nil
}

// worker simulates work by waiting on a timer through SafeWait, so teardown
// can abort it.
func (w workload) worker(rt *vm.Runtime, args []any) (any, error) {
	if err := rt.Stack().Enter(); err != nil {
		return nil, err
	}
	defer rt.Stack().Leave()

	var m vm.Monitor
	elapsed := false
	timer := time.AfterFunc(w.work, func() {
		m.Lock()
		elapsed = true
		m.NotifyAll()
		m.Unlock()
	})
	defer timer.Stop()

	m.Lock()
	defer m.Unlock()
	for !elapsed {
		if err := rt.Thread().SafeWait(&m, vm.NeverInterrupt); err != nil {
			return nil, err
		}
	}
	return args[0], nil
}

func (w workload) failingWorker(rt *vm.Runtime, args []any) (any, error) {
	if _, err := w.worker(rt, args); err != nil {
		return nil, err
	}
	return nil, vm.NewScriptError("thread %v gave up", args[0])
}

func brokenWorker(*vm.Runtime, []any) (any, error) {
	panic("corrupt frame")
}
