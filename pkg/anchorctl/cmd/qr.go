package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/verification"
)

var (
	qrOut   string
	qrBase  string
	qrLocal bool
	qrSize  int
)

var qrCmd = &cobra.Command{
	Use:   "qr <fingerprint>",
	Short: "Writes the share code of a credential as a PNG",
	Long: `Fetches the PNG share code of a credential from the server, or with --local renders it
from --base without contacting the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	fp, err := crypto.ParseFingerprint(args[0])
	if err != nil {
		return err
	}

	var png []byte
	if qrLocal {
		link, err := verification.ShareURL(qrBase, fp)
		if err != nil {
			return err
		}
		if png, err = verification.EncodeQR(link, qrSize); err != nil {
			return err
		}
	} else if png, err = client().ShareQR(context.Background(), fp); err != nil {
		return err
	}

	if err := os.WriteFile(qrOut, png, 0644); err != nil {
		return errors.Wrap(err, "unable to write share code")
	}

	cmd.Printf("wrote %s (%d bytes)\n", qrOut, len(png))
	return nil
}

func init() {
	rootCmd.AddCommand(qrCmd)
	qrCmd.Flags().StringVarP(&qrOut, "out", "o", "share.png", "output file")
	qrCmd.Flags().StringVar(&qrBase, "base", "http://localhost:7779", "public verification URL for --local")
	qrCmd.Flags().BoolVar(&qrLocal, "local", false, "render the code locally")
	qrCmd.Flags().IntVar(&qrSize, "size", 256, "image size in pixels for --local")
}
