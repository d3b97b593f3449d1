package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	decryptKey    string
	decryptOutput string
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt --key <key> <file.crypted>",
	Short: "Decrypt an already downloaded body",
	Long: `Decrypt a downloaded MEGA body with the key from its share link.

The output defaults to the input path without the .crypted suffix. The
encrypted file is removed once decryption succeeds.

Example:
  megafetch decrypt --key <key> video.mkv.crypted`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		encryptedPath := args[0]
		if _, err := os.Stat(encryptedPath); err != nil {
			return fmt.Errorf("cannot read %s: %w", encryptedPath, err)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		hoster := newHoster(config, startMetrics(ctx, config))
		artifact, err := hoster.Decrypt(ctx, encryptedPath, decryptKey, decryptOutput, config.QuietMode)
		if err != nil {
			return reportFailure(ctx, err)
		}

		reportSuccess(artifact)
		return nil
	},
}

func init() {
	decryptCmd.Flags().StringVar(&decryptKey, "key", "", "Encoded file key from the share link")
	decryptCmd.Flags().StringVarP(&decryptOutput, "output", "o", "", "Output file (default: input without .crypted)")
	decryptCmd.MarkFlagRequired("key")
}
