package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/gridbee/marketflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "marketflow",
		Usage:                 "Multi-tenant workflow orchestration for energy-market onboarding",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			ServeCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("main").Error("command failed", "error", err)
		os.Exit(1)
	}
}
