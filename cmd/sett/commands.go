package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/compress"
)

func (a *app) encryptCmd() *cobra.Command {
	var (
		opts       cli.EncryptOptions
		recipients []string
		transferID string
		level      int
	)
	cmd := &cobra.Command{
		Use:   "encrypt [flags] FILE|DIR...",
		Short: "Compress, encrypt and sign files into a package",
		Long:  cli.HelpText("sett", cli.ModeEncrypt),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Files = args
			opts.Recipients = cli.SplitList(recipients)
			id, err := cli.ParseTransferID(transferID)
			if err != nil {
				return err
			}
			opts.TransferID = id
			if cmd.Flags().Changed("compression-level") {
				opts.CompressionLevel = &level
			}
			if !opts.DryRun {
				if opts.Password, err = readPassphrase("Passphrase for the sender key"); err != nil {
					return err
				}
			}
			return a.run(cmd.Context(), cli.Options{Mode: cli.ModeEncrypt, Encrypt: opts})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Sender, "sender", "s", "", "fingerprint of the signing key")
	f.StringSliceVarP(&recipients, "recipient", "r", nil, "recipient fingerprint, repeatable or comma separated")
	f.StringVarP(&transferID, "transfer-id", "t", "", "data transfer ID recorded in the metadata")
	f.StringVar(&opts.Purpose, "purpose", "", "PRODUCTION or TEST")
	f.StringVarP(&opts.Output, "output", "o", "", "package file name or directory")
	f.StringVar(&opts.Prefix, "prefix", "", "package name prefix")
	f.StringVar(&opts.Suffix, "suffix", "", "package name suffix")
	f.StringVar(&opts.Compression, "compression", "", "payload compression (gzip, zstd, none)")
	f.IntVarP(&level, "compression-level", "c", compress.DefaultLevel, "compression level 0-9, 0 disables compression")
	f.BoolVar(&opts.DryRun, "dry-run", false, "validate inputs and keys without writing a package")
	f.BoolVar(&opts.IgnoreDiskSpace, "ignore-disk-space", false, "continue when the disk space check fails")
	return cmd
}

func (a *app) decryptCmd() *cobra.Command {
	var opts cli.DecryptOptions
	cmd := &cobra.Command{
		Use:   "decrypt [flags] PACKAGE...",
		Short: "Verify, decrypt and unpack packages",
		Long:  cli.HelpText("sett", cli.ModeDecrypt),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Packages = args
			var err error
			if opts.Password, err = readPassphrase("Passphrase for the recipient key"); err != nil {
				return err
			}
			return a.run(cmd.Context(), cli.Options{Mode: cli.ModeDecrypt, Decrypt: opts})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.OutputDir, "output-dir", "o", "", "directory receiving the unpacked packages")
	f.BoolVar(&opts.DecryptOnly, "decrypt-only", false, "write the decrypted archive without unpacking it")
	f.BoolVar(&opts.DryRun, "dry-run", false, "verify packages and keys without decrypting")
	return cmd
}

func (a *app) transferCmd() *cobra.Command {
	var opts cli.TransferOptions
	cmd := &cobra.Command{
		Use:   "transfer [flags] PACKAGE...",
		Short: "Upload packages to SFTP, S3 or LiquidFiles",
		Long:  cli.HelpText("sett", cli.ModeTransfer),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Packages = args
			return a.run(cmd.Context(), cli.Options{Mode: cli.ModeTransfer, Transfer: opts})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Connection, "connection", "", "named connection from the config file")
	f.StringVar(&opts.To, "to", "", "destination URL (sftp://, s3://, liquidfiles://)")
	f.StringVar(&opts.Envelope, "envelope", "", "envelope directory name (default: UTC timestamp)")
	f.BoolVar(&opts.DryRun, "dry-run", false, "check packages and connection settings without uploading")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check PACKAGE...",
		Short: "Verify the structure and signature of packages",
		Long:  cli.HelpText("sett", cli.ModeCheck),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cli.Options{Mode: cli.ModeCheck, Check: cli.CheckOptions{Packages: args}})
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sett %s\n", version)
			a.result.ExitCode = 0
			return err
		},
	}
}
