package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/scott-cotton/cli"

	"github.com/jc-lab/psk-local-chat-go/config"
)

type MainConfig struct {
	Config   string `cli:"name=config desc='path to a YAML config file'"`
	Name     string `cli:"name=name desc='endpoint name (default ServerPipe)'"`
	Dir      string `cli:"name=dir desc='directory holding the endpoint (default /tmp)'"`
	LogLevel string `cli:"name=log-level desc='debug, info, warn, error or none'"`

	Main *cli.Command
}

// load reads the config file and applies command line overrides.
func (cfg *MainConfig) load() (*config.Config, error) {
	conf, err := config.Load(cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		conf.Endpoint.Name = cfg.Name
	}
	if cfg.Dir != "" {
		conf.Endpoint.Directory = cfg.Dir
	}
	if cfg.LogLevel != "" {
		conf.LogLevel = cfg.LogLevel
	}
	return conf, nil
}

type ServeConfig struct {
	*MainConfig
	Capacity int `cli:"name=capacity desc='maximum number of connected clients'"`

	Serve *cli.Command
}

type JoinConfig struct {
	*MainConfig
	User string `cli:"name=user desc='username, prompted for when empty'"`

	Join *cli.Command
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "chatd").
		WithSynopsis("chatd [opts] command [opts]").
		WithDescription("chatd is a local chat server and client over a password protected socket.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return chatdMain(cfg, cc, args)
		}).
		WithSubs(
			ServeCommand(cfg),
			JoinCommand(cfg))
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithAliases("s").
		WithSynopsis("serve [opts]").
		WithDescription("create the endpoint and print every message received until interrupted").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func JoinCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &JoinConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Join, "join").
		WithAliases("j").
		WithSynopsis("join [opts]").
		WithDescription("connect to the server and send one message per input line, 'exit' to quit").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return join(cfg, cc, args)
		})
}

func chatdMain(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}
	sub := cfg.Main.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	err = sub.Run(cc, args[1:])
	if errors.Is(err, cli.ErrUsage) {
		sub.Usage(cc, err)
		os.Exit(sub.Exit(cc, err))
	}
	return err
}
