package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-io/fota-agent/internal/config"
	"github.com/fly-io/fota-agent/pkg/datastore"
	"github.com/fly-io/fota-agent/pkg/db"
	"github.com/fly-io/fota-agent/pkg/downloadinfo"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/fly-io/fota-agent/pkg/loop"
	"github.com/fly-io/fota-agent/pkg/remote"
	"github.com/fly-io/fota-agent/pkg/remote/httpremote"
	"github.com/fly-io/fota-agent/pkg/remote/natsremote"
	"github.com/fly-io/fota-agent/pkg/shell"
	"github.com/fly-io/fota-agent/pkg/updater"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update agent until interrupted",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	flags := runCmd.Flags()
	flags.String("transport", "nats", "Remote service transport (nats, http)")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("nats-subject-prefix", "moat", "NATS subject prefix")
	flags.String("http-listen", "127.0.0.1:8086", "HTTP control API listen address")
	flags.String("http-webhook-url", "", "URL result notifications are POSTed to")
	flags.String("script-shell", "/bin/sh", "Shell that runs the package scripts")
	flags.Uint64("min-free-bytes", 64*1024*1024, "Free space required before a download")
	flags.Duration("resume-after-invoke", config.DefaultResumeAfterInvoke, "Wait for a reboot before resuming in process. Must exceed the delay of a reboot the upgrade script schedules, or the check runs against the old firmware")

	for _, name := range []string{
		"transport", "nats-url", "nats-subject-prefix", "http-listen", "http-webhook-url",
		"script-shell", "min-free-bytes", "resume-after-invoke",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

// transport is the remote service binding: it delivers requests to a
// remote.Handler and carries notifications back.
type transport interface {
	downloadinfo.Sender
	Serve(h remote.Handler) error
	Close(ctx context.Context) error
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDaemon(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	store, err := datastore.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return errors.Wrap(err, "checkpoint store init failed")
	}
	defer store.Close()

	repo, err := db.NewRepository(cfg.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	runner := shell.NewExecRunner()
	extractor := newExtractor(cfg, runner)
	l := loop.New()
	paths := firmware.DefaultPaths(cfg.WorkDir)

	model := downloadinfo.New(cfg.DeviceURN, tr)
	orch := updater.New(updater.Config{
		Loop:       l,
		Model:      model,
		Store:      store,
		Downloader: newFetcher(ctx, cfg),
		NewPackage: func() updater.Package {
			return firmware.New(firmware.Config{
				Paths:     paths,
				Extractor: extractor,
				Runner:    runner,
				Shell:     cfg.ScriptShell,
				Loop:      l,
			})
		},
		History:           repo,
		ResumeAfterInvoke: cfg.ResumeAfterInvoke,
	})

	loopErr := make(chan error, 1)
	go func() { loopErr <- l.Run(ctx) }()

	if err := l.Call(ctx, func() error { return orch.Start(ctx) }); err != nil {
		slog.Error("resume_failed", "error", err)
	}

	if err := tr.Serve(remote.NewLoopHandler(l, orch)); err != nil {
		tr.Close(context.Background())
		return errors.Wrap(err, "transport serve failed")
	}

	slog.Info("agent_running", "device_urn", cfg.DeviceURN, "transport", cfg.Transport, "work_dir", cfg.WorkDir)

	<-ctx.Done()
	slog.Info("agent_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Close(shutdownCtx); err != nil {
		slog.Warn("transport_close_failed", "error", err)
	}

	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "loop failed")
	}
	return nil
}

func newTransport(cfg *config.Config) (transport, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return &httpTransport{
			WebhookSender: httpremote.NewWebhookSender(cfg.HTTPWebhookURL),
			addr:          cfg.HTTPListen,
		}, nil
	default:
		t, err := natsremote.Connect(cfg.NATSURL, natsremote.NewSubjects(cfg.NATSSubjectPrefix, cfg.DeviceURN))
		if err != nil {
			return nil, errors.Wrap(err, "nats transport failed")
		}
		return natsTransport{t}, nil
	}
}

type natsTransport struct {
	*natsremote.Transport
}

func (t natsTransport) Close(context.Context) error {
	return t.Transport.Close()
}

// httpTransport serves the local control API and posts notifications to
// the webhook.
type httpTransport struct {
	*httpremote.WebhookSender
	addr   string
	server *httpremote.Server
}

func (t *httpTransport) Serve(h remote.Handler) error {
	t.server = httpremote.NewServer(h)
	go func() {
		if err := t.server.ListenAndServe(t.addr); err != nil {
			slog.Error("http_serve_failed", "addr", t.addr, "error", err)
		}
	}()
	return nil
}

func (t *httpTransport) Close(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}
