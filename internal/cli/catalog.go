package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/ir"
)

// CatalogOptions holds flags for the catalog command.
type CatalogOptions struct {
	*RootOptions
	CatalogDir string
	Kind       string // optional - show one kind only
}

// CatalogField describes one registered field descriptor.
type CatalogField struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Nullable         bool   `json:"nullable,omitempty"`
	RequiresBaseline bool   `json:"requires_baseline,omitempty"`
	Copy             string `json:"copy"`
	Facet            string `json:"facet,omitempty"`
}

// CatalogKind describes one entity kind in declaration order.
type CatalogKind struct {
	Kind      string         `json:"kind"`
	Container bool           `json:"container,omitempty"`
	Facets    []string       `json:"facets"`
	Fields    []CatalogField `json:"fields"`
}

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CatalogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List entity kinds and their field descriptors",
		Long: `List the entity kinds the mirror knows about, with every field in
diff order: base fields first, then each facet's fields.

Without --catalog the built-in catalog is shown. With --catalog the CUE
files in that directory are compiled, which also validates them.

Examples:
  snowmirror catalog
  snowmirror catalog --kind text_channel
  snowmirror catalog --catalog ./catalog --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE kind declarations (default: built-in catalog)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "show a single kind")

	return cmd
}

func runCatalog(opts *CatalogOptions, cmd *cobra.Command) error {
	cat, err := loadCatalog(opts.catalogDir(opts.CatalogDir))
	if err != nil {
		return err
	}

	kinds := cat.Kinds()
	if opts.Kind != "" {
		kinds = []ir.Kind{ir.Kind(opts.Kind)}
	}

	result := make([]CatalogKind, 0, len(kinds))
	for _, kind := range kinds {
		schema, err := cat.Schema(kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "unknown kind", err)
		}
		result = append(result, describeSchema(schema))
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result})
	}
	return outputCatalogText(cmd, result)
}

func describeSchema(schema *catalog.Schema) CatalogKind {
	ck := CatalogKind{
		Kind:      string(schema.Kind()),
		Container: schema.IsContainer(),
		Facets:    schema.Facets(),
	}
	for _, d := range schema.Fields() {
		ck.Fields = append(ck.Fields, CatalogField{
			Name:             d.Name(),
			Type:             string(d.Type()),
			Nullable:         d.Nullable(),
			RequiresBaseline: d.RequiresBaseline(),
			Copy:             d.CopyPolicy().String(),
			Facet:            d.Facet(),
		})
	}
	return ck
}

func outputCatalogText(cmd *cobra.Command, kinds []CatalogKind) error {
	w := cmd.OutOrStdout()

	for i, k := range kinds {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header := k.Kind
		if k.Container {
			header += " (container)"
		}
		if len(k.Facets) > 0 {
			header += " [" + strings.Join(k.Facets, ", ") + "]"
		}
		fmt.Fprintln(w, header)

		for _, f := range k.Fields {
			var flags []string
			if f.Nullable {
				flags = append(flags, "nullable")
			}
			if f.RequiresBaseline {
				flags = append(flags, "baseline")
			}
			if f.Facet != "" {
				flags = append(flags, "facet="+f.Facet)
			}
			fmt.Fprintf(w, "  %-28s %-10s copy=%-15s %s\n", f.Name, f.Type, f.Copy, strings.Join(flags, " "))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d kind(s)\n", len(kinds))
	return nil
}
