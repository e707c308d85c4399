package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"entitycore/internal/config"
	"entitycore/internal/core"
	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

type app struct {
	configPath string
	cfg        *config.Config
	out        io.Writer
	errOut     io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "entityctl",
		Short:         "Inspect entity documents in the configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("ENTITYCORE_CONFIG"), "path to the YAML configuration file")
	root.AddCommand(a.checkConfigCmd(), a.listCmd(), a.getCmd(), a.versionCmd(), a.removeCmd())
	return root
}

// withBackend opens the configured map store for the duration of fn.
func (a *app) withBackend(ctx context.Context, fn func(mapstore.MapEntityStore) error) (err error) {
	logger := core.NewLogger(a.cfg, a.errOut)
	backend, closeFn, err := core.OpenMapStore(ctx, a.cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", a.cfg.Storage.Driver, err)
	}
	if closeFn != nil {
		defer func() {
			if cerr := closeFn(); cerr != nil && err == nil {
				err = fmt.Errorf("close storage: %w", cerr)
			}
		}()
	}
	return fn(backend)
}

func (a *app) checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = a.out.Write(data)
			return err
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var docs []mapstore.Document
			err := a.withBackend(cmd.Context(), func(backend mapstore.MapEntityStore) error {
				return backend.EntityStates(cmd.Context(), func(ref domain.EntityReference, data []byte) error {
					doc, err := mapstore.DecodeDocument(data)
					if err != nil {
						return fmt.Errorf("%s: %w", ref, err)
					}
					if typeName == "" || doc.Type == typeName {
						docs = append(docs, doc)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			slices.SortFunc(docs, func(x, y mapstore.Document) int { return strings.Compare(string(x.Reference), string(y.Reference)) })
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REFERENCE\tTYPE\tVERSION\tMODIFIED")
			for _, doc := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", doc.Reference, doc.Type, doc.Version, doc.ModifiedTime().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "only list entities of this type")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get REFERENCE",
		Short: "Print the stored document of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(backend mapstore.MapEntityStore) error {
				data, err := backend.Get(cmd.Context(), domain.EntityReference(args[0]))
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := json.Indent(&buf, data, "", "  "); err != nil {
					return fmt.Errorf("format document: %w", err)
				}
				buf.WriteByte('\n')
				_, err = buf.WriteTo(a.out)
				return err
			})
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version REFERENCE",
		Short: "Print the stored version of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(backend mapstore.MapEntityStore) error {
				data, err := backend.Get(cmd.Context(), domain.EntityReference(args[0]))
				if err != nil {
					return err
				}
				version, err := mapstore.DecodeVersion(data)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, version)
				return err
			})
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	var ifVersion string
	cmd := &cobra.Command{
		Use:   "remove REFERENCE",
		Short: "Delete the stored document of an entity",
		Long: "Delete the stored document of an entity. With --if-version the document is only\n" +
			"deleted when its stored version matches at the time it is read.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := domain.EntityReference(args[0])
			return a.withBackend(cmd.Context(), func(backend mapstore.MapEntityStore) error {
				data, err := backend.Get(cmd.Context(), ref)
				if err != nil {
					return err
				}
				doc, err := mapstore.DecodeDocument(data)
				if err != nil {
					return err
				}
				if ifVersion != "" && doc.Version != ifVersion {
					return domain.NewConcurrentModificationError([]domain.EntityReference{ref})
				}
				if err := backend.ApplyChanges(cmd.Context(), func(ch mapstore.MapChanger) error {
					return ch.RemoveEntity(ref, doc.Type)
				}); err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.out, "removed %s %s (version %s)\n", doc.Type, ref, doc.Version)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&ifVersion, "if-version", "", "only remove when the stored version matches")
	return cmd
}
