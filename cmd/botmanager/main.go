// Command botmanager runs the bot fleet for one game-proxy instance: it
// keeps bot sessions alive against the game server and exposes the control
// plane the operator backend drives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/banankicks/donutbets-render/internal/config"
	"github.com/banankicks/donutbets-render/internal/control"
	"github.com/banankicks/donutbets-render/internal/credstore"
	"github.com/banankicks/donutbets-render/internal/fleet"
	"github.com/banankicks/donutbets-render/internal/gameclient"
	"github.com/banankicks/donutbets-render/internal/logging"
)

const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("botmanager v%s\n", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		LogDir: cfg.DataDir,
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	current, _ := cfg.CurrentServer()
	log.Info("bot manager started",
		"version", Version,
		"server", current.Name,
		"server_id", current.ID,
		"ws_port", current.Port,
		"http_port", cfg.HTTPPort,
		"game_host", cfg.GameHost,
	)

	store, err := credstore.New(filepath.Join(cfg.DataDir, "bots.json"))
	if err != nil {
		return err
	}

	requests, err := openRequestLog(cfg.DataDir)
	if err != nil {
		return err
	}
	defer requests.Close()

	manager, err := fleet.New(cfg, store, gameclient.WSDialer{}, requests)
	if err != nil {
		return err
	}

	watcher, err := credstore.NewWatcher(store)
	if err != nil {
		return err
	}

	server := control.New(cfg.HTTPPort, current.Port, manager, requests)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-watcher.Reload():
				if err := manager.ReloadFromStore(); err != nil {
					log.Warn("reload credential snapshot", "err", err)
				}
			}
		}
	})

	err = g.Wait()

	log.Info("shutting down bot manager")
	manager.StopAll()
	return err
}
