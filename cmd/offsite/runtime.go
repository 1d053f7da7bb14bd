package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jaywantadh/offsite/config"
	"github.com/jaywantadh/offsite/internal/metrics"
	"github.com/jaywantadh/offsite/internal/notify"
	"github.com/jaywantadh/offsite/internal/offsite"
	"github.com/jaywantadh/offsite/internal/setup"
	"github.com/jaywantadh/offsite/internal/state"
	"github.com/jaywantadh/offsite/pkg/env"
	"github.com/jaywantadh/offsite/pkg/httpserver"
	"github.com/jaywantadh/offsite/pkg/logging"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var dirFlag = &cli.StringFlag{
	Name:  "dir",
	Usage: "remote directory to fetch; defaults to the last one requested",
}

// runtime is everything a command needs, opened once per invocation.
type runtime struct {
	cfg      *config.AppConfig
	log      *logrus.Logger
	store    *state.Store
	registry *prometheus.Registry
	notifier notify.Notifier
	svc      *offsite.Service
	dir      string
}

func loadConfig(c *cli.Context) (*config.AppConfig, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	for _, dir := range []string{cfg.EtcDir, cfg.VarDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	log := logging.Init(logging.Options{Debug: c.Bool("debug"), FilePath: cfg.LogPath()})
	return cfg, log, nil
}

func open(c *cli.Context) (*runtime, error) {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, store: store, dir: c.String("dir")}

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(rt.registry)
	}

	rt.notifier = notify.Nop{Log: log}
	if cfg.Email.Enabled {
		ses, err := notify.NewSES(c.Context, notify.SESOptions{
			Region:   cfg.Email.AWSRegion,
			To:       cfg.Email.To,
			FromAddr: cfg.Email.FromAddr,
			FromName: cfg.Email.FromName,
		}, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		rt.notifier = ses
	}

	rt.svc = offsite.New(offsite.Deps{
		Config:   cfg,
		Store:    store,
		Notifier: rt.notifier,
		Metrics:  m,
		Log:      log,
	})
	return rt, nil
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.log.WithError(err).Warn("⚠️ Failed to close state store")
	}
}

// announceDownload records --dir as the directory to fetch.
func (rt *runtime) announceDownload() error {
	if rt.dir == "" {
		return nil
	}
	return rt.store.PutDownload(state.DownloadDescriptor{RemoteDir: rt.dir, RequestedAt: time.Now()})
}

func withService(fn func(ctx context.Context, rt *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := open(c)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(c.Context, rt)
	}
}

func withSetup(fn func(ctx context.Context, s *setup.Setup) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, log, err := loadConfig(c)
		if err != nil {
			return err
		}
		return fn(c.Context, &setup.Setup{
			Config: cfg,
			API:    offsite.NewGraphClient(cfg, nil),
			Prompt: setup.Terminal{Stdin: os.Stdin, Stdout: os.Stdout},
			Out:    os.Stdout,
			Log:    log,
		})
	}
}

func serve(ctx context.Context, rt *runtime) error {
	opts := httpserver.Options{
		Addr:                  rt.cfg.Server.ListenAddr,
		DefaultRemoteFileName: env.RemoteFileName(rt.cfg.DefaultRemoteFileName),
		Store:                 rt.store,
		Flows:                 rt.svc,
		Notifier:              rt.notifier,
		Messages:              notify.Builder{LogPath: rt.cfg.LogPath(), LogLines: rt.cfg.Email.LogLines},
		Log:                   rt.log,
	}
	if rt.registry != nil {
		opts.Metrics = rt.registry
	}
	srv := httpserver.New(ctx, opts)
	err := srv.Start(ctx)
	// let a flow in flight finish before the store closes
	srv.Wait()
	return err
}

func history(_ context.Context, rt *runtime) error {
	runs, err := rt.store.Runs()
	if err != nil {
		return err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Started", "Kind", "Verdict", "Items", "Reason"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, r := range runs {
		table.Append([]string{r.StartedAt.Format(time.RFC3339), r.Kind, r.Verdict, strconv.Itoa(len(r.Items)), r.Reason})
	}
	table.Render()
	return nil
}
