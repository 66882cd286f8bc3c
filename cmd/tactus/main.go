// Command tactus runs, validates, tests, and evaluates agentic procedures.
//
// Usage:
//
//	tactus run greeter.tyml --param name=Ada
//	tactus run deploy.tyml --storage disk --stream
//	tactus test greeter.tyml --scenario "Greets politely"
//	tactus evaluate greeter.tyml --runs 20
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"goa.design/clue/log"

	"tactus.dev/tactus/config"
	"tactus.dev/tactus/runtime/procedure/telemetry"
)

// CLI defines the command grammar.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Execute a procedure."`
	Validate ValidateCmd `cmd:"" help:"Check a procedure file without running it."`
	Test     TestCmd     `cmd:"" help:"Run the procedure's Gherkin specifications against mocks."`
	Evaluate EvaluateCmd `cmd:"" help:"Score scenario stability over repeated runs."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Verbose bool   `short:"v" help:"Log runtime activity to stderr."`
	Config  string `short:"c" default:"." type:"existingdir" help:"Project directory holding .tactus/config.yml."`
}

// cmdEnv is the shared command environment: a signal-aware context carrying
// the clue log configuration, the resolved project config, and the runtime
// logger.
type cmdEnv struct {
	ctx     context.Context
	stop    context.CancelFunc
	project *config.Project
	logger  telemetry.Logger
}

// setup loads .env and the project config, exports both to the environment,
// and prepares logging. Callers must defer env.stop().
func (cli *CLI) setup() (*cmdEnv, error) {
	// Precedence: real environment, then .env, then .tactus/config.yml.
	_ = godotenv.Load(filepath.Join(cli.Config, ".env"))

	project, err := config.LoadProject(cli.Config)
	if err != nil {
		return nil, err
	}
	if err := project.Export(); err != nil {
		return nil, err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	logger := telemetry.Logger(telemetry.NewNoopLogger())
	if cli.Verbose {
		ctx = log.Context(ctx, log.WithDebug())
		logger = telemetry.NewClueLogger()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return &cmdEnv{ctx: ctx, stop: stop, project: project, logger: logger}, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("tactus %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	parser := kong.Must(&cli,
		kong.Name("tactus"),
		kong.Description("Tactus runs, tests, and evaluates agentic procedures."),
		kong.UsageOnError(),
		// Grammar and flag problems exit 2; command failures exit 1.
		kong.Exit(func(code int) {
			if code != 0 {
				code = 2
			}
			os.Exit(code)
		}),
	)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "tactus: error: %v\n", err)
		os.Exit(1)
	}
}
