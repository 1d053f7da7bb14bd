package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaywantadh/offsite/internal/setup"
	"github.com/jaywantadh/offsite/pkg/env"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "offsite",
		Usage: "Encrypt, bundle and ship backup archives to OneDrive, and bring them back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"OFFSITE_CONFIG_DIR"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "debug level text logging",
				EnvVars: []string{"OFFSITE_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "Encrypt and bundle the announced backup file",
				Action: withService(func(ctx context.Context, rt *runtime) error { return rt.svc.Build(ctx) }),
			},
			{
				Name:   "upload",
				Usage:  "Upload the bundles already built",
				Action: withService(func(ctx context.Context, rt *runtime) error { return rt.svc.Upload(ctx) }),
			},
			{
				Name:    "build-and-upload",
				Aliases: []string{"ship"},
				Usage:   "Build the bundles, then upload them",
				Action:  withService(func(ctx context.Context, rt *runtime) error { return rt.svc.BuildAndUpload(ctx) }),
			},
			{
				Name:  "download",
				Usage: "Download every bundle of a remote directory",
				Flags: []cli.Flag{dirFlag},
				Action: withService(func(ctx context.Context, rt *runtime) error {
					if err := rt.announceDownload(); err != nil {
						return err
					}
					_, err := rt.svc.Download(ctx)
					return err
				}),
			},
			{
				Name:  "restore",
				Usage: "Download, extract, decrypt and verify a remote directory",
				Flags: []cli.Flag{dirFlag},
				Action: withService(func(ctx context.Context, rt *runtime) error {
					if err := rt.announceDownload(); err != nil {
						return err
					}
					return rt.svc.Restore(ctx)
				}),
			},
			{
				Name:   "serve",
				Usage:  "Run the intake API",
				Action: withService(serve),
			},
			{
				Name:   "history",
				Usage:  "List journaled transfer runs",
				Action: withService(history),
			},
			{
				Name:   "setup-app",
				Usage:  "Record the app registration and build the sign-in URL",
				Action: withSetup(func(_ context.Context, s *setup.Setup) error { return s.AppInfo() }),
			},
			{
				Name:   "signin",
				Usage:  "Exchange an authorization code for the first tokens",
				Action: withSetup(func(ctx context.Context, s *setup.Setup) error { return s.SignIn(ctx) }),
			},
			{
				Name:  "create-key",
				Usage: "Create the encryption key",
				Action: withSetup(func(_ context.Context, s *setup.Setup) error {
					err := s.CreateKey()
					if errors.Is(err, setup.ErrKeyKept) {
						fmt.Fprintln(os.Stdout, "Existing key kept.")
						return nil
					}
					return err
				}),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		logrus.WithError(err).Fatal("❌ offsite failed")
	}
}
