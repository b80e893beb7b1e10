package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fieldcheck/internal/app"
	"fieldcheck/internal/config"
	"fieldcheck/internal/db"
	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
	"fieldcheck/internal/migrate"
	"fieldcheck/internal/repo"
	"fieldcheck/internal/server"
	"fieldcheck/internal/upload"
)

var rootCmd = &cobra.Command{
	Use:   "fc",
	Short: "Fieldcheck CLI",
	Long: `Fieldcheck runs inspection checklists on construction sites.
- Workspace: your .fieldcheck directory with the database and uploaded photos.
- Site: the construction site that owns templates and checklist instances.
- Template: an imported checklist (sections of items); read-only once imported.
- Instance: one filled-in checklist; items get pass/fail/na responses, photos,
  notes, and optionally a signature before submission.
- Deficiencies: everything still blocking submission, listed with 'fc deficiencies'.
- Submission: 'fc submit' re-validates and hands the checklist to the inspection
  service; once submitted it is read-only forever.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDCHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("site", "", "site id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(photoCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(deficienciesCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteListCmd())
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteShowCmd())
	site.AddCommand(siteUseCmd())
	site.AddCommand(siteConfigCmd())
	return site
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSites(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func siteCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create site",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			s, err := e.InitSite(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "site id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func siteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSite(ctx, e.Config.Site.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				counts, err := e.Repo.CountInstancesByStatus(ctx, s.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Site: %s (%s)\n", s.ID, s.Status)
				fmt.Println("Instances:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func siteUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current site for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteID := strings.TrimSpace(args[0])
			if siteID == "" {
				return fmt.Errorf("site id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FIELDCHECK_SITE", siteID); err != nil {
				return err
			}
			fmt.Printf("Set FIELDCHECK_SITE=%s in %s/.env\n", siteID, workspace)
			return nil
		},
	}
}

func siteConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage site config",
	}
	cfg.AddCommand(siteConfigShowCmd())
	cfg.AddCommand(siteConfigImportCmd())
	return cfg
}

func siteConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show site config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func siteConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import site config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			siteID := cfg.Site.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if siteID == "" {
					siteID = e.Config.Site.ID
				}
				if err := e.Repo.UpsertSiteConfig(ctx, siteID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// templateFile is the YAML document accepted by 'fc template import'.
type templateFile struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Sections []struct {
		Name  string `yaml:"name"`
		Items []struct {
			Name          string `yaml:"name"`
			Description   string `yaml:"description"`
			MustImage     bool   `yaml:"must_image"`
			MustNote      bool   `yaml:"must_note"`
			MustSignature bool   `yaml:"must_signature"`
		} `yaml:"items"`
	} `yaml:"sections"`
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage checklist templates",
		Long:  "Templates define the checklist: sections of items, each optionally requiring a photo, a note, or a signature. Imported templates are read-only.",
	}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a checklist template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("invalid template yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TemplateImportOptions{
					ID:      tf.ID,
					SiteID:  e.Config.Site.ID,
					Name:    tf.Name,
					ActorID: viper.GetString("actor-id"),
				}
				for _, s := range tf.Sections {
					sec := engine.SectionSpec{Name: s.Name}
					for _, it := range s.Items {
						sec.Items = append(sec.Items, engine.ItemSpec{
							Name:              it.Name,
							Description:       it.Description,
							RequiresPhoto:     it.MustImage,
							RequiresNote:      it.MustNote,
							RequiresSignature: it.MustSignature,
						})
					}
					opts.Sections = append(opts.Sections, sec)
				}
				t, err := e.ImportTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, e.Config.Site.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Sections", "Items", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Sections), len(t.Items()), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s (%s)\n", t.Name, t.ID)
				for _, s := range t.Sections {
					fmt.Printf("  %s\n", s.Name)
					for _, it := range s.Items {
						var marks []string
						if it.RequiresPhoto {
							marks = append(marks, "photo")
						}
						if it.RequiresNote {
							marks = append(marks, "note")
						}
						if it.RequiresSignature {
							marks = append(marks, "signature")
						}
						suffix := ""
						if len(marks) > 0 {
							suffix = " [" + strings.Join(marks, ", ") + "]"
						}
						fmt.Printf("    - %s%s\n", it.Name, suffix)
					}
				}
				return nil
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{
		Use:   "instance",
		Short: "Manage checklist instances",
		Long:  "Instances are checklists being filled in. They stay draft until 'fc submit'; a failed submission is retryable, a successful one is final.",
	}
	inst.AddCommand(instanceCreateCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceAssignCmd())
	return inst
}

func instanceCreateCmd() *cobra.Command {
	var opts engine.InstanceCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checklist instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SiteID == "" {
					opts.SiteID = e.Config.Site.ID
				}
				inst, err := e.CreateInstance(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "instance id (optional)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "instance name")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "inspector to assign")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SiteID == "" {
					f.SiteID = e.Config.Site.ID
				}
				if mine {
					f.AssigneeID = viper.GetString("actor-id")
				}
				items, err := e.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Template", "Status", "Created"})
				for _, inst := range items {
					tw.AppendRow(table.Row{inst.ID, inst.Name, inst.TemplateID, inst.Status, inst.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only instances assigned to --actor-id")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance with its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				tpl, err := e.Repo.GetTemplate(ctx, inst.TemplateID)
				if err != nil {
					return err
				}
				responses, err := e.Repo.ListResponses(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"instance":  inst,
						"responses": responses,
					})
				}
				byItem := map[string]domain.Response{}
				for _, r := range responses {
					byItem[r.ItemID] = r
				}
				fmt.Printf("Instance: %s (%s)\n", inst.ID, inst.Status)
				for _, s := range tpl.Sections {
					fmt.Printf("  %s\n", s.Name)
					for _, it := range s.Items {
						status := domain.StatusPending
						extra := ""
						if r, ok := byItem[it.ID]; ok {
							status = r.Status
							if len(r.ImageURLs) > 0 {
								extra += fmt.Sprintf(" photos=%d", len(r.ImageURLs))
							}
							if strings.TrimSpace(r.Notes) != "" {
								extra += " note"
							}
						}
						fmt.Printf("    [%s] %s%s\n", status, it.Name, extra)
					}
				}
				return nil
			})
		},
	}
}

func instanceAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign an inspector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignInspector(ctx, args[0], assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "inspector actor id")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Record item responses"}
	item.AddCommand(itemSetCmd())
	return item
}

func itemSetCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "set <instance-id> <item-id>",
		Short: "Set status or notes on an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.ResponsePatch{}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.UpsertResponse(ctx, args[0], args[1], patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, pass, fail, or na")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note")
	return cmd
}

func photoCmd() *cobra.Command {
	photo := &cobra.Command{Use: "photo", Short: "Attach photos to items"}
	photo.AddCommand(photoAttachCmd())
	return photo
}

func photoAttachCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "attach <instance-id> <item-id>",
		Short: "Upload and attach photos",
		Long:  "Uploads run concurrently; a file that fails is skipped and reported, the rest still attach.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("--file required")
			}
			workspace := viper.GetString("workspace")
			dir, err := db.FilesDir(workspace)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pipeline := upload.Pipeline{
					Store: upload.DiskStore{
						Dir:      dir,
						BaseURL:  "/files",
						MaxBytes: e.Config.MaxFileBytes(),
					},
					Concurrency: e.Config.UploadConcurrency(),
					Log:         zerolog.New(os.Stderr).With().Timestamp().Logger(),
				}
				batch := make([]upload.File, 0, len(files))
				for _, f := range files {
					f := f
					batch = append(batch, upload.File{
						Name: filepath.Base(f),
						Open: func() (io.ReadCloser, error) { return os.Open(f) },
					})
				}
				results := pipeline.UploadAll(ctx, batch)
				resp, err := e.AttachPhotos(ctx, args[0], args[1], upload.URLs(results), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"uploaded": results, "response": resp})
				}
				for _, res := range results {
					if res.Err != nil {
						fmt.Printf("skipped %s: %v\n", res.Name, res.Err)
					} else {
						fmt.Printf("attached %s -> %s\n", res.Name, res.URL)
					}
				}
				fmt.Printf("item %s now has %d photo(s)\n", args[1], len(resp.ImageURLs))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", []string{}, "photo file (repeatable)")
	return cmd
}

func signCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "sign <instance-id>",
		Short: "Capture a signature for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				return fmt.Errorf("--file required")
			}
			workspace := viper.GetString("workspace")
			dir, err := db.FilesDir(workspace)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer f.Close()
				store := upload.DiskStore{Dir: dir, BaseURL: "/files", MaxBytes: e.Config.MaxFileBytes()}
				url, err := store.Store(ctx, filepath.Base(filePath), f)
				if err != nil {
					return err
				}
				sig, err := e.CaptureSignature(ctx, args[0], url, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sig)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "signature image file")
	return cmd
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <instance-id>",
		Short: "Show instance progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InstanceProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%d/%d items answered (%d%%)\n", p.Completed, p.Total, p.Percentage)
				return nil
			})
		},
	}
}

func deficienciesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "deficiencies <instance-id>",
		Short: "List what still blocks submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.InstanceDeficiencies(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				if len(defs) == 0 {
					fmt.Println("ready to submit")
					return nil
				}
				limit := e.Config.DeficiencyPreview()
				if all || limit <= 0 || limit > len(defs) {
					limit = len(defs)
				}
				for _, d := range defs[:limit] {
					if d.ItemName != "" {
						fmt.Printf("  %s: %s\n", d.Kind, d.ItemName)
					} else {
						fmt.Printf("  %s\n", d.Kind)
					}
				}
				if rest := len(defs) - limit; rest > 0 {
					fmt.Printf("  ... and %d more (use --all)\n", rest)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every deficiency")
	return cmd
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <instance-id>",
		Short: "Submit an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Submit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					var ve engine.ValidationError
					if errors.As(err, &ve) && !viper.GetBool("json") {
						fmt.Println("submission blocked:")
						for _, d := range ve.Deficiencies {
							if d.ItemName != "" {
								fmt.Printf("  %s: %s\n", d.Kind, d.ItemName)
							} else {
								fmt.Printf("  %s\n", d.Kind)
							}
						}
					}
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Site.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Site.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Site.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Site.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, key.ActorID, key.CreatedAt); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("API key %s created. Store it now, it is not shown again:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveSiteAndConfig(cmd.Context(), viper.GetString("site"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			log := zerolog.New(os.Stderr).With().Timestamp().Logger()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FIELDCHECK_JWT_SECRET"), Log: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDCHECK_JWT_SECRET is required for bearer auth")
			}
			filesDir, err := db.FilesDir(workspace)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Files: upload.DiskStore{
					Dir:      filesDir,
					BaseURL:  "/files",
					MaxBytes: cfg.MaxFileBytes(),
				},
				Log: log,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, log)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldcheck API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveSiteAndConfig(ctx, viper.GetString("site"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
