/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/config"
	"github.com/scoir/anchor/pkg/framework/context"
	"github.com/scoir/anchor/pkg/util"
)

var (
	cfgFile string
	prov    *context.Provider
)

var rootCmd = &cobra.Command{
	Use:   "anchor-notifier",
	Short: "The anchor webhook notifier.",
	Long: `"The anchor webhook notifier.".

Consumes credential audit events from the notification queue and posts them to the
webhooks configured for each event kind.`,
	PersistentPreRunE: initConfig,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/anchor/anchor-config.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig(cmd *cobra.Command, _ []string) error {
	vp := &config.ViperConfigProvider{DefaultConfigName: "anchor-config", Flags: cmd.Flags()}
	conf, err := vp.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := util.ConfigureLogging(conf.Log.Level, conf.Log.Format); err != nil {
		return err
	}

	if conf.AMQPURL == "" {
		return errors.New("AMQP_URL is required to run the notifier")
	}

	prov = context.NewProvider(*conf)
	return nil
}
