package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/jacksonlee411/coopguard/internal/config"
	"github.com/jacksonlee411/coopguard/internal/store"
	"github.com/jacksonlee411/coopguard/pkg/authz"
	"github.com/spf13/cobra"
)

type matrixLintResult struct {
	Valid           bool         `json:"valid"`
	Rules           []authz.Rule `json:"rules"`
	Uncovered       []string     `json:"uncovered_tables,omitempty"`
	MissingInMatrix []string     `json:"missing_in_matrix,omitempty"`
}

func newMatrixLintCommand(root *rootOptions) *cobra.Command {
	var (
		path   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "matrix-lint",
		Short: "Load the permission matrix and list its rules and coverage gaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			var (
				m   *authz.Matrix
				err error
			)
			if path != "" {
				m, err = authz.LoadMatrix(path)
			} else {
				var cfg *config.Config
				if cfg, err = config.Load(root.configPath); err != nil {
					return err
				}
				m, err = cfg.Matrix()
			}
			if err != nil {
				return err
			}

			res := lintMatrix(m)
			if format == "json" {
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ROLE\tTABLE\tACTION")
				for _, r := range res.Rules {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Role, r.Table, r.Action)
				}
				_ = w.Flush()
			}
			if !res.Valid {
				return fmt.Errorf("[matrix-lint] uncovered tables: %s; missing in matrix: %s",
					strings.Join(res.Uncovered, ","), strings.Join(res.MissingInMatrix, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "matrix", "", "matrix YAML to lint (default from config)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}

func lintMatrix(m *authz.Matrix) matrixLintResult {
	res := matrixLintResult{Rules: m.Rules(), Uncovered: m.UncoveredTables()}
	for _, name := range store.Tables {
		if _, ok := m.Table(name); !ok {
			res.MissingInMatrix = append(res.MissingInMatrix, name)
		}
	}
	res.Valid = len(res.Uncovered) == 0 && len(res.MissingInMatrix) == 0
	return res
}
