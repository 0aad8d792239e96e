// Command treqd runs the local request-execution service: it serves the
// HTTP/WS surface described in spec.md §6 over the workspace directory
// given by TREQD_WORKSPACE (or the -workspace flag).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/treqd/treqd/internal/artifact"
	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/config"
	"github.com/treqd/treqd/internal/eventbus"
	"github.com/treqd/treqd/internal/flow"
	"github.com/treqd/treqd/internal/history"
	"github.com/treqd/treqd/internal/hooks"
	"github.com/treqd/treqd/internal/httpapi"
	"github.com/treqd/treqd/internal/httpscript"
	"github.com/treqd/treqd/internal/ratelimit"
	"github.com/treqd/treqd/internal/reqsession"
	"github.com/treqd/treqd/internal/service"
	"github.com/treqd/treqd/internal/sse"
	"github.com/treqd/treqd/internal/workspace"
	"github.com/treqd/treqd/internal/wsproxy"
)

func main() {
	var (
		workspaceFlag = flag.String("workspace", "", "workspace root directory (overrides TREQD_WORKSPACE)")
		hostFlag      = flag.String("host", "", "listen host (overrides TREQD_HOST)")
		portFlag      = flag.Int("port", 0, "listen port (overrides TREQD_PORT)")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadWithFlags(*workspaceFlag, *hostFlag, *portFlag)
	if err != nil {
		log.Error("treqd: configuration error", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("treqd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ws, err := workspace.NewRoot(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	sessions := reqsession.New(cfg.MaxSessions, cfg.SessionTTL)
	flows := flow.New()
	bus := eventbus.New(0)
	hookRegistry := hooks.NewRegistry()

	historyStore, err := openHistoryStore(cfg)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}

	artifactExporter, err := openArtifactExporter(cfg)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	parser := httpscript.NewParser()
	engine := httpscript.NewEngine()

	svc := service.New(service.Deps{
		Workspace:    ws,
		Sessions:     sessions,
		Flows:        flows,
		Bus:          bus,
		Hooks:        hookRegistry,
		Parser:       parser,
		Engine:       engine,
		History:      historyStore,
		Artifacts:    artifactExporter,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       log,
	})
	defer svc.Close()

	authenticator := authn.New(authn.Config{
		ServerToken:     cfg.Token,
		AllowCookieAuth: cfg.AllowCookieAuth,
		SessionTTL:      cfg.SessionTTL,
		AdminUsername:   cfg.AdminUsername,
		AdminPasswordHash: adminPasswordHash(cfg.AdminPassword, log),
	})

	wsManager := wsproxy.New(cfg.MaxWSSessions, nil)
	defer wsManager.Stop()

	app := &httpapi.App{
		Service:        svc,
		Authn:          authenticator,
		EventBus:       bus,
		WS:             wsManager,
		SSE:            sse.NewHub(bus, authenticator),
		ScriptTokenRL:  ratelimit.New(rate.Limit(cfg.ScriptTokenRateLimit), cfg.ScriptTokenRateBurst),
		WSOpenRL:       ratelimit.New(rate.Limit(cfg.WSOpenRateLimit), cfg.WSOpenRateBurst),
		CORSOrigins:    cfg.CORSOrigins,
		HostedUIOrigin: cfg.WebURL,
		WebDir:         cfg.WebDir,
		Logger:         log,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("treqd: listening", "addr", addr, "workspace", ws.Path())
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Info("treqd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func openHistoryStore(cfg *config.Config) (*history.Store, error) {
	if cfg.HistoryDSN == "" {
		return nil, nil
	}
	return history.Open(cfg.HistoryDSN)
}

func openArtifactExporter(cfg *config.Config) (*artifact.Exporter, error) {
	switch {
	case cfg.ArtifactS3Bucket != "":
		store, err := artifact.NewS3Store(context.Background(), cfg.ArtifactS3Bucket, cfg.ArtifactS3Region, cfg.ArtifactS3Endpoint, cfg.ArtifactS3Prefix, "", "")
		if err != nil {
			return nil, err
		}
		return artifact.NewExporter(store), nil
	case cfg.ArtifactLocalDir != "":
		return artifact.NewExporter(artifact.NewLocalStore(cfg.ArtifactLocalDir)), nil
	default:
		return nil, nil
	}
}

func adminPasswordHash(password string, log *slog.Logger) []byte {
	if password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("treqd: failed to hash admin password", "error", err)
		return nil
	}
	return hash
}
