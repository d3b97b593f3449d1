package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"megafetch/megacrypt"
)

var attrKey string

var attrCmd = &cobra.Command{
	Use:   "attr --key <key> <blob>",
	Short: "Decrypt a node attribute blob",
	Long: `Decrypt the base64url attribute blob of a node and print it as JSON.

Example:
  megafetch attr --key <key> <blob>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAttributes(os.Stdout, attrKey, args[0])
	},
}

// printAttributes decrypts blob with the encoded key and writes its fields as JSON
func printAttributes(w io.Writer, encodedKey, blob string) error {
	key, err := megacrypt.DeriveKey(encodedKey)
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	attrs, err := megacrypt.DecryptAttributes(blob, key)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(attrs.Fields)
}

func init() {
	attrCmd.Flags().StringVar(&attrKey, "key", "", "Encoded file key from the share link")
	attrCmd.MarkFlagRequired("key")
}
