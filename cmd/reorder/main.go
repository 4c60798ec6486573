// Command reorder drives grocery reorder runs: it replays past orders into the cart,
// proposes substitutes and delivery slots, and stops at a review pack for a human.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `help:"Config file (YAML or JSON)." type:"path" env:"REORDER_CONFIG" short:"c"`
	Simulate  string `help:"Serve a simulated grocery page from a scenario file." type:"path"`
	StorePath string `help:"State file, overrides store.path." name:"store" type:"path"`
	LogFormat string `help:"Log format: console, json or pretty."`
	LogLevel  string `help:"Log level: trace, debug, info, warn or error."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Start a reorder run and follow it to review."`
	Resume   ResumeCmd   `cmd:"" help:"Resume a paused run."`
	Status   StatusCmd   `cmd:"" help:"Show the current run state."`
	Review   ReviewCmd   `cmd:"" help:"Show or decide on the review pack."`
	Cancel   CancelCmd   `cmd:"" help:"Cancel the current run and return to idle."`
	Reset    ResetCmd    `cmd:"" help:"Delete all persisted state."`
	Schedule ScheduleCmd `cmd:"" help:"Start runs on a cron schedule and auto-resume transient failures."`
	Prefs    PrefsCmd    `cmd:"" help:"Show or change delivery preferences."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], defaultEnv()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// execute parses args and runs the selected command.
func execute(ctx context.Context, args []string, env *runtimeEnv) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("reorder"),
		kong.Description("Rebuild a grocery cart from past orders and stop for review."),
		kong.UsageOnError(),
		kong.Writers(env.stdout, env.stderr),
		kong.Exit(env.exit),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(env),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&cli.Globals)
}
