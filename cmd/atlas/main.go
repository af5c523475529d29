package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"atlas/internal/api"
	"atlas/internal/app"
	"atlas/internal/bus"
	"atlas/internal/config"
	"atlas/internal/dispatch"
	"atlas/internal/gate"
	"atlas/internal/history"
	"atlas/internal/logging"
	"atlas/internal/session"
	"atlas/internal/store"
	"atlas/internal/types"
	"atlas/internal/version"
)

const usageText = `atlas is a terminal client for the chat backend.

Usage:
  atlas <command> [flags]

Commands:
  ui        run the terminal monitor
  send      send a message to a chat
  versions  list versions of a message
  stop      stop a chat's in-flight turn
  dispatch  run one bootstrap pass over queued messages
  help      show help

Flags:
  -h, --help   show help

Examples:
  atlas ui --workspace main
  atlas send --chat <id> --message "hello"
  atlas versions --message <id>
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	case "ui":
		exitOnErr("ui", runUI(args[1:]))
	case "send":
		exitOnErr("send", runSend(args[1:]))
	case "versions":
		exitOnErr("versions", runVersions(args[1:]))
	case "stop":
		exitOnErr("stop", runStop(args[1:]))
	case "dispatch":
		exitOnErr("dispatch", runDispatch(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func exitOnErr(command string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	os.Exit(1)
}

// services is the composed core: everything the UI and the one-shot commands
// need, built once at startup.
type services struct {
	cfg         config.Config
	log         logging.Logger
	client      *api.Client
	repo        store.Repository
	registry    *session.Registry
	gate        *gate.Bridge
	bus         *bus.Bus
	history     *history.Cache
	coordinator *version.Coordinator
	queue       *dispatch.Queue
	closeLog    func()
}

func buildServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logPath, err := config.LogPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	log := logging.New(logFile, logging.ParseLevel(cfg.LogLevel()))

	storagePath, err := cfg.StoragePath()
	if err != nil {
		logFile.Close()
		return nil, err
	}
	repo, err := store.NewBboltRepository(storagePath)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	client := api.New(cfg.BackendBaseURL(), cfg.Backend.ClientID)
	registry := session.NewRegistry(log)
	bridge := gate.NewBridge(log)
	eventBus := bus.New(client, bus.Fanout(registry, bridge), log)
	hist := history.NewCache()
	coordinator := version.NewCoordinator(client, hist, bridge, log)
	queue := dispatch.NewQueue(repo, client, log, dispatch.Options{
		ActiveRetryInterval:    cfg.ActiveRetryInterval(),
		BootstrapRetryInterval: cfg.BootstrapRetryInterval(),
	})

	return &services{
		cfg:         cfg,
		log:         log,
		client:      client,
		repo:        repo,
		registry:    registry,
		gate:        bridge,
		bus:         eventBus,
		history:     hist,
		coordinator: coordinator,
		queue:       queue,
		closeLog:    func() { _ = logFile.Close() },
	}, nil
}

func (s *services) close() {
	s.bus.Stop()
	_ = s.repo.Close()
	s.closeLog()
}

func runUI(args []string) error {
	fs := flag.NewFlagSet("ui", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	workspace := fs.String("workspace", "", "switch to this workspace and remember it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.bus.Start(ctx); err != nil {
		return err
	}

	if *workspace != "" {
		selection := types.WorkspaceSelection{WorkspaceID: *workspace, UpdatedAt: time.Now()}
		if err := svc.repo.Meta().SetWorkspaceSelection(ctx, selection); err != nil {
			svc.log.Warn("save workspace selection", logging.F("err", err))
		}
	} else if selection, ok, err := svc.repo.Meta().WorkspaceSelection(ctx); err == nil && ok {
		*workspace = selection.WorkspaceID
	}

	// Bootstrap dispatch competes with page-load work; run it off the UI
	// path and land the user on the chat a queued send targeted.
	go func() {
		if err := svc.queue.DispatchBootstrap(ctx); err != nil {
			svc.log.Warn("bootstrap dispatch", logging.F("err", err))
		}
	}()
	if meta, ok, err := svc.repo.Meta().PendingChatMeta(ctx); err == nil && ok {
		go func() {
			if err := svc.coordinator.SwitchChat(ctx, meta.ActiveChatID); err != nil {
				svc.log.Warn("restore active chat", logging.F("err", err))
			}
		}()
	} else if active, err := svc.client.ActiveChat(ctx); err == nil && active != "" {
		go func() {
			if err := svc.coordinator.SwitchChat(ctx, active); err != nil {
				svc.log.Warn("restore active chat", logging.F("err", err))
			}
		}()
	}

	return app.Run(ctx, app.Deps{
		Client:      svc.client,
		Registry:    svc.registry,
		Gate:        svc.gate,
		Coordinator: svc.coordinator,
		History:     svc.history,
		Queue:       svc.queue,
		Workspace:   *workspace,
		Log:         svc.log,
	})
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	chatID := fs.String("chat", "", "target chat id")
	message := fs.String("message", "", "message text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" || *message == "" {
		return fmt.Errorf("--chat and --message are required")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.client.StartTurn(ctx, api.StartTurnRequest{
		Message:          *message,
		ChatID:           *chatID,
		IncludeReasoning: true,
	})
}

func runVersions(args []string) error {
	fs := flag.NewFlagSet("versions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	messageID := fs.String("message", "", "message id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *messageID == "" {
		return fmt.Errorf("--message is required")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	list, err := svc.coordinator.Versions(ctx, *messageID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCHAT\tOPERATION\tCREATED")
	for _, record := range list.Versions {
		marker := ""
		if record.VersionNumber == list.ActiveVersionNumber {
			marker = " *"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\n",
			record.VersionNumber, marker, record.VersionChatID,
			record.Operation, record.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	chatID := fs.String("chat", "", "chat id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return fmt.Errorf("--chat is required")
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.client.StopChat(ctx, *chatID)
}

func runDispatch(args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.queue.DispatchBootstrap(ctx)
}
