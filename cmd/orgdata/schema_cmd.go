package main

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/core/tables"
)

type schemaLine struct {
	Kind      core.EntityKind   `json:"kind"`
	Label     string            `json:"label"`
	DependsOn []core.EntityKind `json:"depends_on"`
	Required  []string          `json:"required"`
	Unique    [][]string        `json:"unique,omitempty"`
	Versioned bool              `json:"versioned"`
}

// newSchemaCmd lists the registered kinds in import order. It needs no
// database.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [KIND...]",
		Short: "Describe entity kinds in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := tables.NewRegistry()
			if err != nil {
				return err
			}
			kinds := toKinds(args)
			if len(kinds) == 0 {
				kinds = reg.Kinds()
			}
			order, err := core.NewDependencyResolver(reg).Order(kinds)
			if err != nil {
				return withCode(exitUsage, err)
			}

			for _, kind := range order {
				s, err := reg.Schema(kind)
				if err != nil {
					return withCode(exitUsage, err)
				}
				required, _ := reg.RequiredFields(kind)
				line := schemaLine{
					Kind:      s.Kind,
					Label:     s.Label,
					DependsOn: s.DependsOn,
					Required:  required,
					Unique:    s.UniqueConstraints,
					Versioned: s.Versioning != nil,
				}
				if line.DependsOn == nil {
					line.DependsOn = []core.EntityKind{}
				}
				if err := writeJSONLine(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
