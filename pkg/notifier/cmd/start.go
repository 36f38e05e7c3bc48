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

	"github.com/scoir/anchor/pkg/notifier"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the webhook notifier",
	Long:  `Starts a webhook notifier`,
	Run:   runStart,
}

func runStart(_ *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = prov.Close() }()

	log.Info("starting webhook notifier")
	srv, err := notifier.New(prov)
	if err != nil {
		log.WithError(err).Fatal("unable to launch webhook notifier")
	}

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("webhook notifier exited with error")
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
