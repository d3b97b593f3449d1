package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"megafetch/internal"
	"megafetch/megacrypt"
	"megafetch/utils"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <file.crypted.part>",
	Short: "Resume an interrupted download",
	Long: `Resume an interrupted download from its partial file.

The node and key are read from the resume metadata next to the partial file,
and the node is resolved again for a fresh download URL.

Example:
  megafetch resume video.mkv.crypted.part`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partialPath := args[0]

		if !strings.HasSuffix(partialPath, megacrypt.EncryptedSuffix+utils.PartSuffix) {
			return fmt.Errorf("resume file must end with %s%s", megacrypt.EncryptedSuffix, utils.PartSuffix)
		}
		if _, err := os.Stat(partialPath); os.IsNotExist(err) {
			return fmt.Errorf("partial file not found: %s", partialPath)
		}

		if err := validateThreads(); err != nil {
			return err
		}
		rateLimitBytes, err := parseRateLimitFlag()
		if err != nil {
			return err
		}
		if err := validateProxyFlag(); err != nil {
			return err
		}

		if !config.QuietMode {
			fmt.Printf("Resuming: %s\n\n", partialPath)
		}

		return executeResumeWorkflow(cmd.Context(), partialPath, &internal.DownloadConfig{
			Threads:   threads,
			RateLimit: rateLimitBytes,
			ProxyURL:  proxyURL,
			Quiet:     config.QuietMode,
		})
	},
}
