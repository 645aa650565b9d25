package main

import (
	"fmt"
	"io"
	"os"
	gopath "path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/absfs/encfs"
)

func newCreateCmd() *cobra.Command {
	var (
		keySize   int
		blockSize int
		nameAlg   string
		macBytes  int
		randBytes int
		extIV     bool
	)

	cmd := &cobra.Command{
		Use:   "create <root>",
		Short: "Initialise a new encrypted volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := backingStore(args[0])
			if err != nil {
				return err
			}

			config := encfs.DefaultConfig()
			config.KeySizeBits = keySize
			config.BlockSize = blockSize
			config.BlockMACBytes = macBytes
			config.BlockMACRandBytes = randBytes
			if extIV {
				config.ExternalIVChaining = true
			}
			switch nameAlg {
			case "block":
				config.NameAlgorithm = encfs.NameBlock
			case "stream":
				config.NameAlgorithm = encfs.NameStream
			case "null":
				config.NameAlgorithm = encfs.NameNull
			default:
				return fmt.Errorf("unknown name algorithm %q (want block, stream, or null)", nameAlg)
			}

			password, err := readPassword(true)
			if err != nil {
				return err
			}

			if _, err := encfs.Create(fs, config, password); err != nil {
				return err
			}
			logger.Info().Str("root", args[0]).Int("keySize", keySize).Msg("volume created")
			return nil
		},
	}

	cmd.Flags().IntVar(&keySize, "key-size", 192, "volume key size in bits (128, 192, 256)")
	cmd.Flags().IntVar(&blockSize, "block-size", 1024, "ciphertext block size in bytes")
	cmd.Flags().StringVar(&nameAlg, "name-alg", "block", "filename algorithm: block, stream, null")
	cmd.Flags().IntVar(&macBytes, "mac-bytes", 0, "per-block MAC bytes (0-8)")
	cmd.Flags().IntVar(&randBytes, "mac-rand-bytes", 0, "per-block random header bytes")
	cmd.Flags().BoolVar(&extIV, "external-iv", false, "make file contents depend on their path")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <root>",
		Short: "Show volume configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}

			c := vol.Config()
			fmt.Printf("filename algorithm:   %s\n", c.NameAlgorithm)
			fmt.Printf("key size:             %d bits\n", c.KeySizeBits)
			fmt.Printf("block size:           %d bytes\n", c.BlockSize)
			fmt.Printf("unique file IV:       %t\n", c.UniqueIV)
			fmt.Printf("chained name IV:      %t\n", c.ChainedNameIV)
			fmt.Printf("external IV chaining: %t\n", c.ExternalIVChaining)
			fmt.Printf("holes allowed:        %t\n", c.AllowHoles)
			fmt.Printf("block MAC bytes:      %d + %d random\n", c.BlockMACBytes, c.BlockMACRandBytes)
			fmt.Printf("KDF iterations:       %d\n", c.KDFIterations)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls <root> [path]",
		Short: "List decrypted directory contents",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}

			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}

			entries, err := vol.List(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if long {
					kind := "-"
					if e.IsDir {
						kind = "d"
					}
					fmt.Printf("%s %10d %s %s\n", kind, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name)
				} else {
					fmt.Println(e.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "long listing")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <root> <path>",
		Short: "Decrypt a file to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}

			r, err := vol.OpenRead(args[1])
			if err != nil {
				return err
			}
			defer r.Close()

			_, err = io.Copy(os.Stdout, r)
			return err
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <root> <local-file> <path>",
		Short: "Encrypt a local file into the volume",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}

			src, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer src.Close()

			w, err := vol.OpenWrite(args[2])
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, src); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			logger.Info().Str("path", args[2]).Msg("file written")
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <root> <path>",
		Short: "Delete a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}
			return vol.Delete(args[1], recursive)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories recursively")
	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <root> <src> <dst>",
		Short: "Move or rename inside the volume",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}
			return vol.Move(args[1], args[2])
		},
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <root> <src> <dst>",
		Short: "Copy inside the volume",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}
			return vol.Copy(args[1], args[2])
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <root> <local-dir> [path]",
		Short: "Decrypt a volume subtree into a local directory",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := openVolume(args[0])
			if err != nil {
				return err
			}

			src := "/"
			if len(args) == 3 {
				src = args[2]
			}
			vol.SetProgress(func(path string, copied, total int64) {
				logger.Debug().Str("path", path).Int64("bytes", copied).Msg("exporting")
			})
			return exportTree(vol, src, args[1])
		},
	}
}

// exportTree walks a decrypted subtree and writes it under a local
// directory.
func exportTree(vol *encfs.Volume, src, dst string) error {
	entries, err := vol.List(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	for _, e := range entries {
		target := filepath.Join(dst, e.Name)
		if e.IsDir {
			if err := exportTree(vol, gopath.Join(src, e.Name), target); err != nil {
				return err
			}
			continue
		}

		r, err := vol.OpenRead(e.Path)
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			r.Close()
			return err
		}
		_, err = io.Copy(out, r)
		r.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		logger.Info().Str("path", e.Path).Int64("size", e.Size).Msg("exported")
	}
	return nil
}
