package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"megafetch/downloader"
	"megafetch/internal"
)

// passwordEnv supplies the account password without a prompt
const passwordEnv = "MEGAFETCH_PASSWORD"

var (
	accountUser     string
	accountPassword string
)

var accountCmd = &cobra.Command{
	Use:   "account -u <user>",
	Short: "Check a Share-Online account",
	Long: `Log in to Share-Online and report the account status.

The password is taken from --password, then the MEGAFETCH_PASSWORD
environment variable, then an interactive prompt.

Example:
  megafetch account -u alice`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := resolvePassword()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		checker := downloader.NewShareOnlineAccountWithClient(newHTTPClient(config), config.AccountURL, config.TrafficCap)
		checker.SetMetrics(startMetrics(ctx, config))

		info, err := checker.Check(ctx, accountUser, password)
		if err != nil {
			return reportFailure(ctx, err)
		}

		printAccountInfo(info)
		return nil
	},
}

func resolvePassword() (string, error) {
	if accountPassword != "" {
		return accountPassword, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	return readPassword(fmt.Sprintf("Password for %s: ", accountUser))
}

// readPassword prompts on stderr and reads without echo, falling back to
// the controlling terminal when stdin is redirected
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	var (
		pw  []byte
		err error
	)
	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err = term.ReadPassword(int(syscall.Stdin))
	} else {
		tty, openErr := os.Open("/dev/tty")
		if openErr != nil {
			if runtime.GOOS == "windows" {
				return "", fmt.Errorf("stdin is not a terminal, set %s instead", passwordEnv)
			}
			return "", fmt.Errorf("cannot open terminal for password prompt: %w", openErr)
		}
		defer tty.Close()
		pw, err = term.ReadPassword(int(tty.Fd()))
	}
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimRight(string(pw), "\r\n")
	for i := range pw {
		pw[i] = 0
	}
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

func printAccountInfo(info *internal.AccountInfo) {
	fmt.Printf("Account:  %s\n", info.Username)
	if info.Group != "" {
		fmt.Printf("Group:    %s\n", info.Group)
	}
	fmt.Printf("Premium:  %t\n", info.Premium)

	if info.ValidUntil > 0 {
		fmt.Printf("Expires:  %s\n", time.Unix(int64(info.ValidUntil), 0).Format(time.RFC1123))
	}

	if info.TrafficLeft < 0 {
		fmt.Println("Traffic:  unknown")
	} else {
		fmt.Printf("Traffic:  %s of %s left\n",
			formatFileSize(int64(info.TrafficLeft*1024)), formatFileSize(int64(info.MaxTraffic*1024)))
	}
}

func init() {
	accountCmd.Flags().StringVarP(&accountUser, "user", "u", "", "Share-Online username")
	accountCmd.Flags().StringVar(&accountPassword, "password", "", "Share-Online password (env: MEGAFETCH_PASSWORD)")
	accountCmd.MarkFlagRequired("user")
}
