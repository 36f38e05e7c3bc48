/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scoir/anchor/pkg/client/anchor"
)

var cfgFile string

var config *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "The anchor CLI talks to an anchor credential service.",
	Long: `The anchor CLI talks to an anchor credential service.

Log in with a wallet key, verify credential files or fingerprints, render share codes
and check service health.`,
	PersistentPreRunE: initConfig,
	SilenceUsage:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.anchorctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:7779", "anchor API server address")
	rootCmd.PersistentFlags().String("token", "", "session token from anchorctl login")
}

// initConfig reads in config file and ENV variables if set.
func initConfig(cmd *cobra.Command, _ []string) error {
	config = viper.New()
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		config.SetConfigType("yaml")
		config.AddConfigPath(home)
		config.SetConfigName(".anchorctl")
	}

	config.SetEnvPrefix("ANCHOR")
	config.AutomaticEnv()
	if err := config.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return errors.Wrapf(err, "unable to read config %s", config.ConfigFileUsed())
		}
	}

	return nil
}

// client uses --token, falling back to the token saved by login --save.
func client() *anchor.Client {
	token := config.GetString("token")
	if token == "" {
		if path, err := tokenFile(); err == nil {
			if b, err := os.ReadFile(path); err == nil {
				token = strings.TrimSpace(string(b))
			}
		}
	}

	return anchor.New(config.GetString("server")).WithToken(token)
}

// tokenFile is where login leaves the session token for later commands.
func tokenFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, ".anchorctl-token"), nil
}
