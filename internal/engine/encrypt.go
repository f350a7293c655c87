package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/islishude/sett/internal/archive"
	"github.com/islishude/sett/internal/checksum"
	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/metadata"
	"github.com/islishude/sett/internal/progress"
	"github.com/islishude/sett/internal/storage/local"
)

type EncryptReport struct {
	Output     string
	Files      int
	InputSize  int64
	OutputSize int64
	Metadata   metadata.Metadata
	DryRun     bool
	// Warnings counts conditions that were overridden, such as an ignored
	// disk space check.
	Warnings int
}

// input is one leaf of the encrypted tree: a regular file or an empty
// directory.
type input struct {
	local   string
	archive string
	size    int64
	dir     bool
}

// Encrypt builds a package from opts.Files. Any failure removes the
// partially written package and the temporary payload.
func (r *Runner) Encrypt(ctx context.Context, opts cli.EncryptOptions) (*EncryptReport, error) {
	start := r.now()
	log := r.logger.With("workflow", "encrypt")
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	sender, err := r.gateway.Lookup(ctx, opts.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender key: %w", err)
	}
	if _, err := r.gateway.SecretKeys([]string{sender.Fingerprint}); err != nil {
		return nil, fmt.Errorf("sender %s: %w", sender, err)
	}
	recipients := make([]crypt.Identity, 0, len(opts.Recipients))
	for _, v := range opts.Recipients {
		id, err := r.gateway.Lookup(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("recipient key: %w", err)
		}
		recipients = append(recipients, id)
	}
	purpose, err := metadata.ParsePurpose(opts.Purpose)
	if err != nil {
		return nil, err
	}
	log.Info("resolved keys", "sender", sender.String(), "recipients", len(recipients))

	algo := opts.Compression
	if algo == "" {
		algo = r.cfg.Compression
	}
	comp := compress.Gzip
	if algo != "" {
		comp = compress.FromString(algo)
	}
	level := opts.CompressionLevel
	if level == nil {
		l := r.cfg.CompressionLevel
		level = &l
	}
	comp, _, err = compress.Resolve(comp, compress.WriterOptions{Level: level})
	if err != nil {
		return nil, err
	}

	if r.cfg.VerifyKeyApproval {
		if err := r.checkKeyApproval(ctx, append([]crypt.Identity{sender}, recipients...)); err != nil {
			return nil, err
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = r.cfg.PackageNamePrefix
	}
	if r.cfg.VerifyDTR {
		code, err := r.verifyTransfer(ctx, log, metadata.Metadata{
			TransferID:           opts.TransferID,
			Sender:               sender.Fingerprint,
			Recipients:           fingerprints(recipients),
			Timestamp:            metadata.FormatTimestamp(start),
			Checksum:             unknownChecksum,
			ChecksumAlgorithm:    checksum.Algorithm,
			CompressionAlgorithm: comp.MetadataName(),
			Purpose:              purpose,
			Version:              metadata.Version,
		})
		if err != nil {
			return nil, err
		}
		prefix = code
	}

	inputs, total, err := collectInputs(opts.Files)
	if err != nil {
		return nil, err
	}
	if err := checkReadable(inputs); err != nil {
		return nil, err
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = r.cfg.PackageNameSuffix
	}
	output, err := resolveOutput(opts.Output, r.cfg.OutputDir, PackageName(prefix, suffix, start))
	if err != nil {
		return nil, err
	}
	if err := ValidateOutputName(filepath.Base(output)); err != nil {
		return nil, err
	}
	outDir := filepath.Dir(output)
	if err := local.CheckWritableDir(outDir); err != nil {
		return nil, err
	}

	report := &EncryptReport{Output: output, InputSize: total}
	for _, in := range inputs {
		if !in.dir {
			report.Files++
		}
	}
	// The temporary payload and the package exist side by side until the
	// package is complete.
	if err := local.CheckSpace(outDir, 2*uint64(total)); err != nil {
		if !errors.Is(err, local.ErrInsufficientSpace) || !(opts.IgnoreDiskSpace || r.cfg.IgnoreDiskSpace) {
			return nil, err
		}
		log.Warn("ignoring disk space check", "error", err)
		report.Warnings++
	}
	r.state(log, stateInputValidated)
	if opts.DryRun {
		report.DryRun = true
		log.Info("dry run completed", "output", output, "files", report.Files, "size", humanize.IBytes(uint64(total)))
		return report, nil
	}

	// Check the passphrase before the long running steps.
	if err := r.gateway.CheckPassword(sender, opts.Password); err != nil {
		return nil, fmt.Errorf("unlocking sender key %s: %w", sender, err)
	}

	pairs := make([]checksum.Pair, 0, len(inputs))
	for _, in := range inputs {
		if !in.dir {
			pairs = append(pairs, checksum.Pair{ArchivePath: in.archive, LocalPath: in.local})
		}
	}
	manifest, err := checksum.Generate(ctx, pairs, r.cfg.MaxCPU)
	if err != nil {
		return nil, err
	}
	r.state(log, stateManifestBuilt)

	entries := make([]archive.Entry, 0, len(inputs)+1)
	entries = append(entries, archive.MemoryEntry{Name: archive.ChecksumFile, Data: checksum.Format(manifest)})
	for _, in := range inputs {
		if in.dir {
			entries = append(entries, archive.DirEntry{Name: in.archive})
		} else {
			entries = append(entries, archive.FileEntry{Name: in.archive, Path: in.local})
		}
	}
	tracker := progress.NewTracker(total, r.Progress)

	payload, err := local.CreateTemp(outDir, ".sett-payload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary payload: %w", err)
	}
	defer func() {
		if cerr := payload.Close(); cerr != nil {
			log.Warn("removing temporary payload", "path", payload.Name(), "error", cerr)
		}
	}()
	hashed := checksum.NewWriter(payload)
	ew, err := r.gateway.Encrypt(hashed, recipients, sender, opts.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	if err := archive.WriteTar(ctx, ew, entries, archive.WriteOptions{Compression: comp, Level: level, Progress: tracker}); err != nil {
		_ = ew.Close()
		return nil, fmt.Errorf("writing payload: %w", err)
	}
	r.state(log, statePayloadCompressed)
	if err := ew.Close(); err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	r.state(log, statePayloadEncrypted)

	m := metadata.Metadata{
		TransferID:           opts.TransferID,
		Sender:               sender.Fingerprint,
		Recipients:           fingerprints(recipients),
		Timestamp:            metadata.FormatTimestamp(start),
		Checksum:             hashed.Sum(),
		ChecksumAlgorithm:    checksum.Algorithm,
		CompressionAlgorithm: comp.MetadataName(),
		Purpose:              purpose,
		Version:              metadata.Version,
	}
	doc, sig, err := r.signer().Sign(m, sender, opts.Password)
	if err != nil {
		return nil, err
	}
	report.Metadata = m
	r.state(log, stateMetadataSigned)

	body, err := os.Open(payload.Name())
	if err != nil {
		return nil, err
	}
	err = archive.WriteTarFile(ctx, output, []archive.Entry{
		archive.MemoryEntry{Name: archive.MetadataFile, Data: doc},
		archive.MemoryEntry{Name: archive.SignatureFile, Data: sig},
		archive.ReaderEntry{Name: archive.DataFile, Body: body, Size: hashed.Size(), Mode: 0o644},
	}, archive.WriteOptions{Compression: compress.None})
	if err != nil {
		return nil, fmt.Errorf("writing package %s: %w", output, err)
	}
	r.state(log, stateContainerAssembly)
	tracker.Complete()

	if st, err := os.Stat(output); err == nil {
		report.OutputSize = st.Size()
	}
	r.state(log, stateDone)
	log.Info("encryption complete",
		"output", output,
		"input_size", humanize.IBytes(uint64(total)),
		"output_size", humanize.IBytes(uint64(report.OutputSize)),
		"compression", compressionStats(total, report.OutputSize),
		"duration", r.now().Sub(start))
	return report, nil
}

func fingerprints(ids []crypt.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Fingerprint
	}
	return out
}

func compressionStats(in, out int64) string {
	if in == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%s%%", humanize.FtoaWithDigits(100*float64(out)/float64(in), 1))
}

// collectInputs walks paths and maps every regular file and empty
// directory to content/<path relative to the common parent>.
func collectInputs(paths []string) ([]input, int64, error) {
	var (
		leaves []input
		total  int64
	)
	seen := make(map[string]bool)
	add := func(p string, size int64, dir bool) {
		if seen[p] {
			return
		}
		seen[p] = true
		leaves = append(leaves, input{local: p, size: size, dir: dir})
		total += size
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, 0, err
		}
		st, err := os.Stat(abs)
		if err != nil {
			return nil, 0, fmt.Errorf("input %s: %w", p, err)
		}
		if !st.IsDir() {
			if !st.Mode().IsRegular() {
				return nil, 0, fmt.Errorf("input %s is not a regular file", p)
			}
			add(abs, st.Size(), false)
			continue
		}
		err = filepath.WalkDir(abs, func(cur string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				children, err := os.ReadDir(cur)
				if err != nil {
					return err
				}
				if len(children) == 0 {
					add(cur, 0, true)
				}
				return nil
			}
			st, err := os.Stat(cur)
			if err != nil {
				return err
			}
			if !st.Mode().IsRegular() {
				return fmt.Errorf("input %s is not a regular file", cur)
			}
			add(cur, st.Size(), false)
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}
	if len(leaves) == 0 {
		return nil, 0, errors.New("no input files found")
	}

	parents := make([]string, len(leaves))
	for i, l := range leaves {
		parents[i] = filepath.Dir(l.local)
	}
	root := commonDir(parents)
	for i := range leaves {
		rel, err := filepath.Rel(root, leaves[i].local)
		if err != nil {
			return nil, 0, err
		}
		name := path.Join(archive.ContentDir, filepath.ToSlash(rel))
		if err := archive.ValidatePath(name); err != nil {
			return nil, 0, err
		}
		leaves[i].archive = name
	}
	return leaves, total, nil
}

// checkReadable opens every input file, reporting all that cannot be read.
func checkReadable(inputs []input) error {
	var errs []error
	for _, in := range inputs {
		if in.dir {
			continue
		}
		f, err := os.Open(in.local)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = f.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("unreadable input files: %w", errors.Join(errs...))
	}
	return nil
}

// commonDir returns the deepest directory containing every entry of dirs,
// all of which are absolute and clean.
func commonDir(dirs []string) string {
	common := dirs[0]
	for _, d := range dirs[1:] {
		for common != d && !strings.HasPrefix(d, withSeparator(common)) {
			parent := filepath.Dir(common)
			if parent == common {
				break
			}
			common = parent
		}
	}
	return common
}

func withSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
