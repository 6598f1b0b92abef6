package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
)

type exportOptions struct {
	format      string
	kinds       []string
	filters     []string
	output      string
	operationID string
	currentOnly bool
}

// exportSummary is printed after an export written to a file.
type exportSummary struct {
	OperationID string                               `json:"operation_id"`
	Format      codec.Format                         `json:"format"`
	Output      string                               `json:"output"`
	Order       []core.EntityKind                    `json:"order"`
	Counts      map[core.EntityKind]*core.KindCounts `json:"counts"`
}

func newExportCmd(a *app) *cobra.Command {
	var opts exportOptions
	var format codec.Format
	var filters []core.RecordFilter

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored records in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, a, opts, format, filters)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.format, "format", "", "Output format: json, yaml, csv, xlsx (default: EXPORT_FORMAT)")
	f.StringSliceVar(&opts.kinds, "kinds", nil, "Only export these kinds")
	f.StringArrayVar(&opts.filters, "filter", nil, "Date range filter kind.field:from..to (repeatable)")
	f.StringVarP(&opts.output, "output", "o", "-", "Output file, directory for csv, or - for stdout")
	f.StringVar(&opts.operationID, "operation-id", "", "Operation id (default: generated)")
	f.BoolVar(&opts.currentOnly, "current-only", false, "Drop closed versions of versioned kinds")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.format == "" {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			opts.format = cfg.Export.Format
		}
		var err error
		if format, err = codec.ParseFormat(opts.format); err != nil {
			return withCode(exitUsage, err)
		}
		if format == codec.FormatCSV && opts.output == "-" && len(opts.kinds) != 1 {
			return withCode(exitUsage, fmt.Errorf("%w: csv on stdout needs exactly one --kinds value", codec.ErrSingleKind))
		}
		for _, raw := range opts.filters {
			rf, err := core.ParseRecordFilter(raw)
			if err != nil {
				return withCode(exitUsage, err)
			}
			filters = append(filters, rf)
		}
		return nil
	}

	return cmd
}

func runExport(cmd *cobra.Command, a *app, opts exportOptions, format codec.Format, filters []core.RecordFilter) error {
	ctx := cmd.Context()

	eng, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ds, res, err := eng.Service.Export(ctx, core.ExportOptions{
		OperationID: opts.operationID,
		Kinds:       toKinds(opts.kinds),
		Filters:     filters,
		CurrentOnly: opts.currentOnly,
	})
	if err != nil {
		return coded(err, exitDB)
	}
	if !res.Success {
		_ = writeJSONLine(cmd.ErrOrStderr(), res)
		return withCode(exitDB, fmt.Errorf("export %s failed with %d errors", res.OperationID, len(res.Errors)))
	}

	if opts.output == "-" {
		// Encode fully before writing so a failed export leaves stdout empty.
		var buf bytes.Buffer
		if err := eng.Codec.Encode(format, &buf, ds, res.Order); err != nil {
			return coded(err, exitDB)
		}
		_, err := buf.WriteTo(cmd.OutOrStdout())
		return err
	}

	if err := eng.Codec.WriteFile(format, opts.output, ds, res.Order); err != nil {
		if errors.Is(err, codec.ErrSingleKind) {
			return withCode(exitUsage, err)
		}
		return withCode(exitDB, err)
	}
	return writeJSONLine(cmd.OutOrStdout(), exportSummary{
		OperationID: res.OperationID,
		Format:      format,
		Output:      opts.output,
		Order:       res.Order,
		Counts:      res.Counts,
	})
}
