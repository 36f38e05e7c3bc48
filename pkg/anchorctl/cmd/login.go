package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/crypto"
)

var saveToken bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Signs a login challenge with a wallet key",
	Long: `Signs a login challenge with the hex private key in --key (or ANCHOR_KEY) and prints
the session token.`,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, _ []string) error {
	raw := config.GetString("key")
	if raw == "" {
		return errors.New("a wallet key is required (--key or ANCHOR_KEY)")
	}

	key, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return err
	}

	sess, err := client().Login(context.Background(), key)
	if err != nil {
		return err
	}

	if saveToken {
		path, err := tokenFile()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(sess.Token), 0600); err != nil {
			return errors.Wrap(err, "unable to save token")
		}
	}

	cmd.Printf("wallet:  %s\nrole:    %s\nexpires: %s\n", sess.Wallet, sess.Role, sess.ExpiresAt.Local())
	cmd.Println(sess.Token)
	return nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().String("key", "", "hex encoded wallet private key")
	loginCmd.Flags().BoolVar(&saveToken, "save", false, "store the token for later commands")
}
