package cli

import "fmt"

// HelpText is the long description shown by `<program> <mode> --help`.
func HelpText(program string, mode Mode) string {
	if program == "" {
		program = "sett"
	}
	switch mode {
	case ModeEncrypt:
		return fmt.Sprintf(`Compress, encrypt and sign files into a package.

The package is a tar file holding metadata.json, its detached signature
and the encrypted payload data.tar.gz.gpg. Directories are walked
recursively; paths inside the package are relative to the lowest common
parent of the inputs.

Examples:
  %[1]s encrypt --sender <FPR> --recipient <FPR> data/
  %[1]s encrypt --sender <FPR> --recipient <FPR>,<FPR> --purpose TEST \
      --compression-level 0 --output out/ a.csv b.csv

Without --output the package is written to the configured output
directory as [prefix_]YYYYMMDDTHHMMSS[_suffix].tar.`, program)
	case ModeDecrypt:
		return fmt.Sprintf(`Verify, decrypt and unpack packages.

The metadata signature is checked before anything is decrypted. Each
package is unpacked into a new directory named after the package; an
existing directory is never reused, a numeric suffix is appended instead.
With --decrypt-only the decrypted inner archive is written as is.

Examples:
  %[1]s decrypt 20240301T120000.tar
  %[1]s decrypt --output-dir /data/in --decrypt-only *.tar`, program)
	case ModeTransfer:
		return fmt.Sprintf(`Upload packages to an SFTP server, an S3 bucket or LiquidFiles.

All packages of one invocation land in a single envelope directory. A
done.txt file is written last to mark the envelope as complete.

Destinations:
  sftp://user@host[:port]/path[?jump_host=...&key=...]
  s3://bucket/prefix[?region=...&endpoint=...]
  arn:aws:s3:::bucket
  liquidfiles://server or https://server?protocol=liquidfiles

Examples:
  %[1]s transfer --connection dcc 20240301T120000.tar
  %[1]s transfer --to sftp://alice@sftp.example.org/upload *.tar`, program)
	case ModeCheck:
		return fmt.Sprintf(`Check package structure and metadata signature without decrypting.

Example:
  %[1]s check 20240301T120000.tar`, program)
	default:
		return fmt.Sprintf(`%[1]s - encrypt, sign and transfer data packages

Commands:
  encrypt    Build an encrypted and signed package
  decrypt    Verify and unpack packages
  transfer   Upload packages to a remote destination
  check      Verify package structure and signature
  version    Print the version

Environment:
  SETT_CONFIG        configuration file
  SETT_PASSPHRASE    secret key passphrase; prompted for when unset
  SETT_LEGACY_MODE   use the OpenPGP backend`, program)
	}
}
