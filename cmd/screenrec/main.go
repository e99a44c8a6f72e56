package main

import (
	"context"
	"os"

	"go2tv.app/screenrec/internal/cli"
	"go2tv.app/screenrec/internal/output"
)

func main() {
	if err := run(); err != nil {
		formatter := output.NewFormatter(os.Stderr)
		formatter.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	deps := cli.NewDependencies(os.Stdin, os.Stdout)
	defer deps.Close()

	return cli.NewRootCmd(deps).ExecuteContext(context.Background())
}
