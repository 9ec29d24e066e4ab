package main

import (
	"arbor/app/client/llm"
	"arbor/app/client/wolfram"
	"arbor/app/config"
	"arbor/app/service/engine"
	"arbor/app/service/journal"
	"arbor/app/service/queue"
	"arbor/app/service/session"
	"arbor/app/service/toolset"
	"arbor/app/tree"
	"arbor/app/util/mylog"
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/do"
)

func main() {
	di := do.New()
	defer di.Shutdown()
	defer log.Info("Waiting for services to finish...")

	mylog.Preinit()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	do.ProvideValue(di, appCtx)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	do.ProvideValue(di, cfg)

	if err = mylog.Init(cfg); err != nil {
		log.Fatalf("logging init failed: %v", err)
	}

	decisionTree, err := tree.LoadFile(cfg.Tree.Path)
	if err != nil {
		log.Fatalf("decision tree load failed: %v", err)
	}
	do.ProvideValue(di, decisionTree)

	do.Provide(di, llm.NewClient)
	do.Provide(di, wolfram.NewClient)
	do.Provide(di, toolset.New)
	do.Provide(di, journal.New)
	do.Provide(di, queue.New)
	do.Provide(di, engine.New)
	do.Provide(di, session.New)

	slog.Info("Service started", "tree", cfg.Tree.Path, "nodes", decisionTree.Len())

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		log.Info("Shutting down...")

		cancel()
	}()

	go func() {
		defer cancel()

		if err := do.MustInvoke[*session.Service](di).Run(appCtx); err != nil {
			slog.Error("Session failed", "error", err)
		}
	}()

	<-appCtx.Done()
}
