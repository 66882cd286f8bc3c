package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tactus.dev/tactus/config"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/storage"
)

// RunCmd executes one procedure to completion. The final result prints to
// stdout as JSON; progress, prompts, and the completion summary go to
// stderr.
type RunCmd struct {
	File    string            `arg:"" type:"existingfile" help:"Procedure file (.tyml)."`
	Param   map[string]string `short:"p" help:"Procedure parameter as name=value. Repeatable."`
	Storage string            `help:"Storage backend: mem, disk, redis, or mongo. Defaults to the project config."`
	Stream  bool              `help:"Print events as JSON lines while the run progresses."`
	Mock    bool              `help:"Run against the procedure's default mocks. No provider keys needed; human requests auto-resolve."`
	Timeout time.Duration     `help:"Cancel the run after this long."`
	Resume  string            `placeholder:"ID" help:"Resume a stored invocation instead of starting fresh."`
}

func (c *RunCmd) Run(cli *CLI) error {
	env, err := cli.setup()
	if err != nil {
		return err
	}
	defer env.stop()

	proc, err := config.Load(c.File)
	if err != nil {
		return err
	}
	params, err := parseParams(c.Param)
	if err != nil {
		return err
	}

	backend, err := openStorage(c.Storage, cli.Config, env.project)
	if err != nil {
		return err
	}
	rt := runtime.New(runtime.Options{
		Storage: backend,
		Clients: providerFactory(),
		HITL:    newConsoleHandler(os.Stdin, os.Stderr),
		Logger:  env.logger,
	})
	defer func() {
		cleanup := context.WithoutCancel(env.ctx)
		if err := rt.Shutdown(cleanup); err != nil {
			env.logger.Warn(cleanup, "runtime shutdown", "error", err)
		}
		if err := backend.Close(cleanup); err != nil {
			env.logger.Warn(cleanup, "storage close", "error", err)
		}
	}()

	if err := rt.Register(proc); err != nil {
		return err
	}

	opts := runtime.RunOptions{Params: params}
	if c.Mock {
		opts.Mock = proc.DefaultMocks
		if opts.Mock == nil {
			opts.Mock = &runtime.MockConfig{}
		}
	}

	ctx := env.ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var id string
	if c.Resume != "" {
		id, err = rt.Resume(ctx, c.Resume)
	} else {
		id, err = rt.Start(ctx, proc.Name, opts)
	}
	if err != nil {
		return err
	}

	// The subscription channel closes when the run's log seals, so the
	// printer goroutine always drains before the summary prints.
	var drained chan struct{}
	if c.Stream {
		events, release, serr := rt.Subscribe(ctx, id, 0)
		if serr != nil {
			return serr
		}
		defer release()
		drained = make(chan struct{})
		go func() {
			defer close(drained)
			enc := json.NewEncoder(os.Stdout)
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return
				}
			}
		}()
	}

	oc, err := rt.Wait(ctx, id)
	if err != nil {
		return err
	}
	if drained != nil {
		<-drained
	}
	if oc.Status != storage.StatusCompleted {
		if oc.Err != nil {
			return fmt.Errorf("run finished %s: %w", oc.Status, oc.Err)
		}
		return fmt.Errorf("run finished %s", oc.Status)
	}

	fmt.Fprintf(os.Stderr, "completed %s in %s (invocation %s)\n",
		oc.Procedure, oc.Duration.Round(time.Millisecond), oc.InvocationID)
	if oc.InputTokens+oc.OutputTokens > 0 {
		fmt.Fprintf(os.Stderr, "tokens %d in / %d out, cost $%.4f\n",
			oc.InputTokens, oc.OutputTokens, oc.CostUSD)
	}
	if oc.Result != nil {
		data, err := json.MarshalIndent(oc.Result, "", "  ")
		if err != nil {
			return fault.Wrap(fault.KindInternal, err, "encode result")
		}
		fmt.Println(string(data))
	}
	return nil
}

// ValidateCmd checks that a procedure file parses and passes runtime
// validation without executing it.
type ValidateCmd struct {
	File string `arg:"" type:"existingfile" help:"Procedure file (.tyml)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	env, err := cli.setup()
	if err != nil {
		return err
	}
	defer env.stop()

	proc, err := config.Load(c.File)
	if err != nil {
		return err
	}
	if err := runtime.New(runtime.Options{Logger: env.logger}).Validate(proc); err != nil {
		return err
	}
	fmt.Printf("%s: procedure %q is valid\n", c.File, proc.Name)
	return nil
}

// parseParams decodes each value as a YAML scalar so numbers and booleans
// arrive typed: --param depth=3 yields an int, --param name=Ada a string.
func parseParams(raw map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for key, value := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "parse param %q", key)
		}
		params[key] = v
	}
	return params, nil
}
