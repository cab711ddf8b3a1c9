package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"blogcore/internal/app"
	"blogcore/internal/config"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		slog.Error("blogcore failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("blogcore", flag.ContinueOnError)
	fs.SetOutput(stdout)
	printConfig := fs.Bool("print-config", false, "print the resolved settings as yaml and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := app.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if *printConfig {
		return writeSettings(stdout, settings)
	}

	application, err := app.NewApplication(ctx, settings)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}

func writeSettings(w io.Writer, settings *config.Settings) error {
	out, err := settings.YAML()
	if err != nil {
		return fmt.Errorf("failed to render settings: %w", err)
	}
	_, err = w.Write(out)
	return err
}
