/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/config"
	"github.com/scoir/anchor/pkg/framework/context"
	"github.com/scoir/anchor/pkg/util"
)

var cfgFile string

var ctx *context.Provider

var rootCmd = &cobra.Command{
	Use:   "anchor",
	Short: "The anchor credential service.",
	Long: `"The anchor credential service".

Issues academic credentials, stores them encrypted in content-addressed storage, anchors
their fingerprints on a public ledger and answers verification requests.`,
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

// initConfig reads the config file and environment and validates the result.
func initConfig(cmd *cobra.Command, _ []string) error {
	vp := &config.ViperConfigProvider{DefaultConfigName: "anchor-config", Flags: cmd.Flags()}
	conf, err := vp.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := util.ConfigureLogging(conf.Log.Level, conf.Log.Format); err != nil {
		return err
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	ctx = context.NewProvider(*conf)
	return nil
}
