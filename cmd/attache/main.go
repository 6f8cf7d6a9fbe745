package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"attache/internal/app"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  attache -config <path>                 run the daemon
  attache -config <path> run <schedule>  fire one schedule and exit
`)
	flag.PrintDefaults()
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./attache.yaml", "path to config yaml")
	flag.Usage = usage
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	args := flag.Args()
	switch {
	case len(args) == 0:
		if err := a.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
	case args[0] == "run" && len(args) == 2:
		if err := a.RunOnce(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}
