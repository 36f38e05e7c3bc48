package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/verification"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file|fingerprint>",
	Short: "Verifies a credential file or fingerprint",
	Long:  `Verifies a credential by uploading its file, or by its 0x-prefixed fingerprint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	c := client()

	var (
		res *verification.Result
		err error
	)
	if fp, perr := crypto.ParseFingerprint(args[0]); perr == nil {
		res, err = c.VerifyFingerprint(context.Background(), fp)
	} else {
		body, rerr := os.ReadFile(args[0])
		if rerr != nil {
			return errors.Wrapf(rerr, "%s is neither a fingerprint nor a readable file", args[0])
		}
		res, err = c.VerifyFile(context.Background(), filepath.Base(args[0]), body)
	}
	if err != nil {
		return err
	}

	cmd.Printf("fingerprint: %s\nvalid:       %t\n", res.Fingerprint, res.Valid)
	if res.Reason != "" {
		cmd.Printf("reason:      %s\n", res.Reason)
	}
	if a := res.LedgerAnchor; a != nil {
		cmd.Printf("tx:          %s\nblock:       %d\nconfirmed:   %t\n", a.TxID, a.BlockHeight, a.Confirmed)
	}
	if s := res.RecordSummary; s != nil {
		cmd.Printf("owner:       %s\n", s.OwnerKey)
		if s.Status != "" {
			cmd.Printf("status:      %s\n", s.Status)
		}
		if s.VerificationCount != nil {
			cmd.Printf("verified:    %d times\n", *s.VerificationCount)
		}
		if s.Metadata != nil {
			cmd.Printf("recipient:   %s\nissuer:      %s\nkind:        %s\n",
				s.Metadata.RecipientName, s.Metadata.IssuingAuthority, s.Metadata.CredentialKind)
		}
	}

	if !res.Valid {
		return errors.New("credential is not valid")
	}

	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
