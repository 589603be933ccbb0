package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/runeforge/internal/compendium"
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/mcpserver"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// render writes v as YAML or JSON.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q (want yaml or json)", format)
}

// parseValue reads s as a YAML scalar or document, so "2" is a number and
// "[a, b]" a list. Unparseable input is kept as a string.
func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return v
}

func newPrepareCmd(opts *rootOptions) *cobra.Command {
	var (
		output string
		totals []string
	)
	cmd := &cobra.Command{
		Use:   "prepare <actor-id>",
		Short: "Run a recomputation pass and print the derived data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.mediator.PrepareByID(ctx, args[0])
				if err != nil {
					return err
				}
				if len(totals) == 0 {
					return render(cmd.OutOrStdout(), output, res)
				}
				for _, sel := range totals {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %+d\n", sel, res.Total(sel))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	cmd.Flags().StringSliceVar(&totals, "total", nil, "print only the modifier totals of these selectors")
	return cmd
}

func newEvalCmd() *cobra.Command {
	var options []string
	cmd := &cobra.Command{
		Use:   "eval <predicate>",
		Short: "Test a predicate against roll options",
		Long: `Parses the predicate as YAML or JSON and tests it against the roll
options given with --option. Prints true or false.

Example:
  runeforge eval '[self:level:5, {not: raging}]' --option self:level:5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw any
			if err := yaml.Unmarshal([]byte(args[0]), &raw); err != nil {
				return fmt.Errorf("decode predicate: %w", err)
			}
			p, err := predicate.Parse(raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Test(predicate.NewRollOptions(options...)))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&options, "option", nil, "a roll option that is true (repeatable)")
	return cmd
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <actor-id> <uuid>",
		Short: "Add a compendium item to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				src, err := a.fetcher.FetchByReference(ctx, args[1])
				if err != nil {
					return err
				}
				if src.Flags.SourceID == "" {
					src.Flags.SourceID = args[1]
				}
				res, err := a.mediator.CreateItems(ctx, args[0], []*document.ItemSource{src})
				if err != nil {
					return err
				}
				for _, it := range res.Created {
					line := fmt.Sprintf("created %s (%s)", it.Name, it.ID)
					if g := it.Flags.GrantedBy; g != nil {
						line += fmt.Sprintf(", granted by %s", g.ID)
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <actor-id> <item-id>...",
		Short: "Delete embedded items, honouring grant policies",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.mediator.DeleteItems(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range res.Deleted {
					fmt.Fprintf(out, "deleted %s\n", id)
				}
				for _, id := range res.Detached {
					fmt.Fprintf(out, "detached %s\n", id)
				}
				return res.Err()
			})
		},
	}
}

func newReevaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		set   []string
		unset []string
	)
	cmd := &cobra.Command{
		Use:   "reevaluate <actor-id>",
		Short: "Update an actor and re-run grants whose conditions may have changed",
		Long: `Applies --set and --unset to the actor document, then lets every
grant re-check its predicate. Newly satisfied grants create their items.

Example:
  runeforge reevaluate kyra --set system.details.level.value=2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := document.UpdateDelta{Unset: unset}
			if len(set) > 0 {
				delta.Set = make(map[string]any, len(set))
			}
			for _, kv := range set {
				path, value, ok := strings.Cut(kv, "=")
				if !ok || path == "" {
					return fmt.Errorf("--set %q: want path=value", kv)
				}
				delta.Set[path] = parseValue(value)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.mediator.UpdateParent(ctx, args[0], delta)
				if err != nil {
					return err
				}
				for _, it := range res.Granted {
					fmt.Fprintf(cmd.OutOrStdout(), "granted %s (%s)\n", it.Name, it.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "path=value to set on the actor (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "path to remove from the actor (repeatable)")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var packs, exports []string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import compendium packs and Foundry VTT exports into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(packs) == 0 && len(exports) == 0 {
				return errors.New("nothing to import: pass --pack or --foundry")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				dst, err := a.persistentImporter()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, path := range packs {
					pack, err := compendium.LoadPackFile(path)
					if err != nil {
						return err
					}
					n, err := compendium.ImportPack(ctx, dst, pack)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: %d items into %s\n", path, n, pack.Pack.Name)
				}
				for _, path := range exports {
					sum, err := importFoundryFile(ctx, dst, path, a.logger)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: %d items, %d actors, %d skipped\n", path, sum.Items, sum.Actors, sum.Skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&packs, "pack", nil, "compendium pack YAML file (repeatable)")
	cmd.Flags().StringArrayVar(&exports, "foundry", nil, "Foundry VTT world export JSON file (repeatable)")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				srv, err := mcpserver.New(mcpserver.Config{
					Mediator:   a.mediator,
					Fetcher:    a.fetcher,
					Compendium: a.index,
					Version:    version,
					Logger:     a.logger,
				})
				if err != nil {
					return err
				}
				return srv.ServeStdio(ctx)
			})
		},
	}
}

// listKeys prints the registered rule element keys, disabled ones marked.
func listKeys(w io.Writer, a *app) {
	for _, k := range a.registry.Keys() {
		if a.registry.IsDisabled(k) {
			fmt.Fprintf(w, "%s (disabled)\n", k)
			continue
		}
		fmt.Fprintln(w, k)
	}
}

func newKeysCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the supported rule element keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ context.Context, a *app) error {
				listKeys(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}
}
