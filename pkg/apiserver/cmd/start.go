/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/apiserver"
	"github.com/scoir/anchor/pkg/controller"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the anchor API server",
	Long:  `Starts the anchor API server with its saga recovery loop`,
	Run:   runStart,
}

func runStart(_ *cobra.Command, _ []string) {
	sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := ctx.Close(); err != nil {
			log.WithError(err).Warn("error closing dependencies")
		}
	}()

	srv, err := apiserver.New(sctx, ctx)
	if err != nil {
		log.WithError(err).Fatal("error initializing anchor API server")
	}

	runner, err := controller.New(ctx, srv)
	if err != nil {
		log.WithError(err).Fatal("unable to start anchor API server")
	}

	if err := runner.Launch(sctx); err != nil {
		log.WithError(err).Fatal("launch errored")
	}

	log.Info("Shutdown")
}

func init() {
	rootCmd.AddCommand(startCmd)
}
