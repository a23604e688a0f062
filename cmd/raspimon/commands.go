package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"raspimon/internal/app"
	"raspimon/internal/config"
	"raspimon/internal/task/scheduler"
)

const defaultConfigPath = "./config.json"

func newCLI(out io.Writer) *cli.App {
	a := cli.NewApp()
	a.Name = "raspimon"
	a.HelpName = "raspimon"
	a.Usage = "home telemetry node"
	a.UsageText = "raspimon [-c config.json] <command> [arguments...]"
	a.Version = version
	a.Writer = out
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: defaultConfigPath,
			Usage: "path to the JSON or YAML config file",
		},
	}
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the node and block until SIGINT or SIGTERM",
			Action: runNode,
		},
		{
			Name:   "check-config",
			Usage:  "parse and validate the config file",
			Action: checkConfig,
		},
		{
			Name:      "parse-duration",
			Usage:     "print the milliseconds of a duration literal such as 5m or 1d",
			ArgsUsage: "<literal>",
			Action:    parseDuration,
		},
	}
	a.Action = runNode
	return a
}

func runNode(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := app.NewApp(ctx, c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = node.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-node.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = node.Stop(stopCtx, reason)
	return node.Err()
}

func checkConfig(c *cli.Context) error {
	path := c.GlobalString("config")
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return err
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return err
	}
	sections, _ := config.SummarizeConfigChange(&config.Config{}, cfg)
	fmt.Fprintf(c.App.Writer, "%s: ok\n", path)
	for _, s := range sections {
		fmt.Fprintf(c.App.Writer, "  %s\n", s)
	}
	return nil
}

func parseDuration(c *cli.Context) error {
	lit := c.Args().First()
	if lit == "" {
		return errors.New("parse-duration: missing literal")
	}
	d, err := scheduler.ParseDuration(lit)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d\n", d.Milliseconds())
	return nil
}
