// Command encfsctl inspects and manipulates EncFS volumes: create, list,
// read, write, and export, over a local directory backing store.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/absfs/absfs"
	"github.com/absfs/encfs"
	"github.com/absfs/memfs"
)

var (
	// Global flags
	passwordFlag string
	verbose      bool
	useMem       bool

	logger = zerolog.Nop()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "encfsctl",
		Short: "Administer EncFS-format encrypted volumes",
		Long: `encfsctl works with EncFS-format encrypted directories: it creates
volumes, lists and reads their decrypted contents, writes new files, and
exports whole trees, without mounting anything.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger = zerolog.New(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: "15:04:05",
			}).Level(level).With().Timestamp().Logger()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&passwordFlag, "password", "p", "", "volume password (falls back to $ENCFS_PASSWORD, then a prompt)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&useMem, "mem", false, "use a throwaway in-memory backing store (demo)")

	rootCmd.AddCommand(
		newCreateCmd(),
		newInfoCmd(),
		newLsCmd(),
		newCatCmd(),
		newPutCmd(),
		newRmCmd(),
		newMvCmd(),
		newCpCmd(),
		newExportCmd(),
	)
	return rootCmd
}

// backingStore opens the backing filesystem for a volume root argument.
func backingStore(root string) (absfs.FileSystem, error) {
	if useMem {
		return memfs.NewFS()
	}
	return newLocalFS(root)
}

// readPassword resolves the volume password from the flag, the
// environment, or an interactive prompt.
func readPassword(confirm bool) ([]byte, error) {
	if passwordFlag != "" {
		return []byte(passwordFlag), nil
	}
	if env := os.Getenv("ENCFS_PASSWORD"); env != "" {
		return []byte(env), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		again, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		if string(password) != string(again) {
			return nil, fmt.Errorf("passwords do not match")
		}
	}
	return password, nil
}

// openVolume opens the volume rooted at the given directory.
func openVolume(root string) (*encfs.Volume, error) {
	fs, err := backingStore(root)
	if err != nil {
		return nil, err
	}

	password, err := readPassword(false)
	if err != nil {
		return nil, err
	}

	vol, err := encfs.Open(fs, password)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("root", root).Msg("volume unlocked")
	return vol, nil
}
