package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
)

type importOptions struct {
	format          string
	kind            string
	strategy        string
	kinds           []string
	operationID     string
	continueOnError bool
	dryRun          bool
}

// newImportCmd builds "import", or "preview" when preview is set. Preview
// is import with --dry-run forced on.
func newImportCmd(a *app, preview bool) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import FILE|DIR...",
		Short: "Import records from JSON, YAML, XLSX files or CSV directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, a, opts, args)
		},
	}
	if preview {
		cmd.Use = "preview FILE|DIR..."
		cmd.Short = "Validate an import and report what it would change without writing"
		opts.dryRun = true
	}

	f := cmd.Flags()
	f.StringVar(&opts.format, "format", "", "Input format: json, yaml, csv, xlsx (default: from the file extension)")
	f.StringVar(&opts.kind, "kind", "", "Entity kind of CSV read from stdin")
	f.StringVar(&opts.strategy, "strategy", "", "Conflict strategy: skip, update, create_new_version (default: IMPORT_DEFAULT_STRATEGY)")
	f.StringSliceVar(&opts.kinds, "kinds", nil, "Only import these kinds")
	f.StringVar(&opts.operationID, "operation-id", "", "Operation id (default: generated)")
	f.BoolVar(&opts.continueOnError, "continue-on-error", false, "Apply valid records even when others fail")
	if !preview {
		f.BoolVar(&opts.dryRun, "dry-run", false, "Validate only; nothing is written")
	}

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.format != "" {
			if _, err := codec.ParseFormat(opts.format); err != nil {
				return withCode(exitUsage, err)
			}
		}
		for _, arg := range args {
			if arg == "-" && opts.format == "" {
				return withCode(exitUsage, errors.New("--format is required when reading stdin"))
			}
		}
		return nil
	}

	return cmd
}

func runImport(cmd *cobra.Command, a *app, opts importOptions, args []string) error {
	ctx := cmd.Context()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if opts.strategy == "" {
		opts.strategy = cfg.Import.DefaultStrategy
	}
	strategy, err := core.ParseStrategy(opts.strategy)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if !cmd.Flags().Changed("continue-on-error") {
		opts.continueOnError = cfg.Import.ContinueOnError
	}

	eng, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	in := inputReader{codec: eng.Codec, kind: opts.kind, stdin: cmd.InOrStdin()}
	if opts.format != "" {
		in.format, _ = codec.ParseFormat(opts.format)
	}
	ds, diags, err := in.readAll(args)
	if err != nil {
		return coded(err, exitUsage)
	}

	run := eng.Service.Import
	if opts.dryRun {
		run = eng.Service.Preview
	}
	res, err := run(ctx, ds, core.ImportOptions{
		OperationID:     opts.operationID,
		Kinds:           toKinds(opts.kinds),
		Strategy:        strategy,
		ContinueOnError: opts.continueOnError,
		Source:          sourceName(args),
		Diagnostics:     diags,
	})
	if err != nil {
		return coded(err, exitDBWrite)
	}

	if err := writeJSONLine(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return withCode(resultCode(res), fmt.Errorf("%s %s failed with %d errors", res.Mode, res.OperationID, len(res.Errors)))
	}
	return nil
}

// inputReader decodes command line inputs into one dataset.
type inputReader struct {
	codec  *codec.Codec
	format codec.Format
	kind   string
	stdin  io.Reader
}

func (in inputReader) readAll(paths []string) (core.Dataset, []core.ValidationError, error) {
	var (
		ds    core.Dataset
		diags []core.ValidationError
	)
	for _, p := range paths {
		part, d, err := in.read(p)
		diags = append(diags, d...)
		if err != nil {
			return nil, diags, fmt.Errorf("read %s: %w", p, err)
		}
		ds = codec.Merge(ds, part)
	}
	return ds, diags, nil
}

func (in inputReader) read(p string) (core.Dataset, []core.ValidationError, error) {
	if p == "-" {
		source := "stdin"
		if in.format == codec.FormatCSV {
			if in.kind == "" {
				return nil, nil, errors.New("--kind is required for CSV on stdin")
			}
			source = in.kind + ".csv"
		}
		return in.codec.Decode(in.format, in.stdin, source)
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return in.codec.ReadDir(os.DirFS(p))
	}

	format := in.format
	if format == "" {
		if format, err = codec.FormatOf(p); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return in.codec.Decode(format, f, p)
}

// sourceName labels the run after its single input.
func sourceName(args []string) string {
	if len(args) != 1 || args[0] == "-" {
		return ""
	}
	return filepath.Base(args[0])
}

func toKinds(in []string) []core.EntityKind {
	var out []core.EntityKind
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, core.EntityKind(k))
		}
	}
	return out
}
