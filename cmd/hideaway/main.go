package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/adminapi"
	"github.com/hideaway-io/hideaway/internal/app"
	"github.com/hideaway-io/hideaway/internal/mdmserver"
	"github.com/hideaway-io/hideaway/internal/webserver"
)

var (
	configFile = flag.String("c", "/etc/hideaway.yml", "configuration file")
	initDb     = flag.Bool("initdb", false, "drop and recreate all tables")
	showVer    = flag.Bool("v", false, "show version")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("hideaway", version)
		return
	}

	cfg := config.LoadConfig(*configFile)
	_ = os.MkdirAll(cfg.System.Workdir, 0o755)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initDb {
		application.InitDb()
		zap.S().Info("database initialized")
		return
	}

	webserver.Init(cfg, map[string]interface{}{
		"db":           application.DB(),
		"registry":     application.Registry(),
		"orchestrator": application.Orchestrator(),
		"identity":     application.Identity(),
		"jwt_secret":   cfg.Web.JwtSecret,
	})
	adminapi.InitRouter()

	gateway := mdmserver.NewServer(cfg,
		application.Identity(),
		application.Registry(),
		application.Orchestrator(),
		application.ProfileBuilder(),
		application,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(webserver.Listen)
	g.Go(gateway.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = webserver.Shutdown(shutdownCtx)
		_ = gateway.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.S().Errorf("server exited: %v", err)
	}
}
