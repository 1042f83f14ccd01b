package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/imsync/internal/account"
	"github.com/matheus3301/imsync/internal/daemon"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	levelFlag := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Account: name, LogLevel: level}),
	)

	app.Run()
}
