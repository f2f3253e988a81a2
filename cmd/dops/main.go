package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"diveops/internal/access"
	"diveops/internal/app"
	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/repo"
	"diveops/internal/server"
	diveopssdk "diveops/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "dops",
	Short: "diveops CLI",
	Long: `diveops gates commercial diving work on its compliance paperwork and keeps
immersions moving through their lifecycle.

- Companies are operators or contractors. Operators with the planning module
  active must attach every immersion to an operation with a signed HPT and a
  signed Anexo Bravo.
- Immersions go planificada -> en_progreso -> completada (cancelada is an exit).
  The scheduler closes dives that run past their estimated end time.
- Once a dive is complete the supervisor files a log, which unlocks the diver
  logs. Missing supervisor logs are chased with reminders.
- Event log: everything that changed, view with 'dops events tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DIVEOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(personnelCmd())
	rootCmd.AddCommand(moduleCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(immersionCmd())
	rootCmd.AddCommand(logbookCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default diveops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			created, err := app.Init(workspace, force)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if created {
					fmt.Println("Wrote", "diveops.yml")
				} else {
					fmt.Println("diveops.yml already exists; use --force to overwrite")
				}
				fmt.Println("Workspace ready")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing diveops.yml")
	return cmd
}

func companyCmd() *cobra.Command {
	c := &cobra.Command{Use: "company", Short: "Manage companies"}

	var id, name, companyType string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				company, err := e.CreateCompany(ctx, domain.Company{ID: id, Name: name, Type: domain.CompanyType(companyType)}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrLine(company, fmt.Sprintf("Created company %s (%s)", company.ID, company.Type))
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "company id (default: generated)")
	create.Flags().StringVar(&name, "name", "", "company name")
	create.Flags().StringVar(&companyType, "type", "", "operator or contractor")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("type")

	list := &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCompanies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.Type, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(create, list)
	return c
}

func personnelCmd() *cobra.Command {
	c := &cobra.Command{Use: "personnel", Short: "Manage personnel"}
	var id, companyID, name, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddPersonnel(ctx, domain.Personnel{ID: id, CompanyID: companyID, Name: name, Role: role})
				if err != nil {
					return err
				}
				return printJSONOrLine(p, fmt.Sprintf("Added %s (%s)", p.Name, p.ID))
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "person id (default: generated)")
	add.Flags().StringVar(&companyID, "company", "", "company id")
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&role, "role", "", "job role")
	_ = add.MarkFlagRequired("name")
	c.AddCommand(add)
	return c
}

func moduleCmd() *cobra.Command {
	c := &cobra.Command{Use: "module", Short: "Switch feature modules per company"}
	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <company-id> <module>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a module",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					m, err := e.SetModule(ctx, args[0], args[1], active, actorID())
					if err != nil {
						return err
					}
					return printJSONOrLine(m, fmt.Sprintf("%s for %s: active=%t", m.ModuleName, m.CompanyID, m.Active))
				})
			},
		}
	}
	list := &cobra.Command{
		Use:   "list <company-id>",
		Short: "Show module activations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetCompany(ctx, args[0]); err != nil {
					return err
				}
				items, err := e.Repo.ListModules(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Module", "Active", "Updated"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ModuleName, m.Active, m.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	check := &cobra.Command{
		Use:   "check <company-id> <module>",
		Short: "Check whether a module is active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				active := e.IsModuleActive(ctx, access.Scope{CompanyID: args[0]}, args[1])
				return printJSONOrLine(map[string]any{"company_id": args[0], "module": args[1], "active": active},
					fmt.Sprintf("%s: %t", args[1], active))
			})
		},
	}
	c.AddCommand(toggle("enable", true), toggle("disable", false), list, check)
	return c
}

func operationCmd() *cobra.Command {
	c := &cobra.Command{Use: "operation", Short: "Manage planned operations"}
	var id, companyID, codigo, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.CreateOperation(ctx, domain.Operation{ID: id, CompanyID: companyID, Codigo: codigo, Name: name}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrLine(op, fmt.Sprintf("Created operation %s (%s)", op.Codigo, op.ID))
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "operation id (default: generated)")
	create.Flags().StringVar(&companyID, "company", "", "company id")
	create.Flags().StringVar(&codigo, "codigo", "", "operation code")
	create.Flags().StringVar(&name, "name", "", "operation name")
	_ = create.MarkFlagRequired("company")
	_ = create.MarkFlagRequired("codigo")

	var listCompany string
	list := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOperations(ctx, listCompany)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Codigo", "Name", "Company"})
				for _, op := range items {
					tw.AppendRow(table.Row{op.ID, op.Codigo, op.Name, op.CompanyID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listCompany, "company", "", "company filter")
	c.AddCommand(create, list)
	return c
}

func documentCmd() *cobra.Command {
	c := &cobra.Command{Use: "document", Short: "Record and sign HPT / Anexo Bravo documents"}
	var opts engine.DocumentOptions
	var kind, state string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a document for an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.DocumentKind(kind)
			opts.State = domain.DocumentState(state)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.RecordDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(doc, fmt.Sprintf("Recorded %s %s (%s)", doc.Kind.Label(), doc.ID, doc.State))
			})
		},
	}
	add.Flags().StringVar(&opts.ID, "id", "", "document id (default: generated)")
	add.Flags().StringVar(&opts.OperationID, "operation", "", "operation id")
	add.Flags().StringVar(&kind, "kind", "", "hpt or anexo_bravo")
	add.Flags().StringVar(&state, "state", "draft", "draft, pending_signature or signed")
	add.Flags().BoolVar(&opts.ChecklistComplete, "checklist-complete", false, "Anexo Bravo checklist is complete")
	_ = add.MarkFlagRequired("operation")
	_ = add.MarkFlagRequired("kind")

	sign := &cobra.Command{
		Use:   "sign <kind> <document-id>",
		Short: "Sign a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.SignDocument(ctx, domain.DocumentKind(args[0]), args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrLine(doc, fmt.Sprintf("Signed %s %s", doc.Kind.Label(), doc.ID))
			})
		},
	}

	var complete bool
	checklist := &cobra.Command{
		Use:   "checklist <anexo-bravo-id>",
		Short: "Mark the Anexo Bravo checklist complete or open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetChecklistComplete(ctx, args[0], complete); err != nil {
					return err
				}
				fmt.Printf("Checklist for %s: complete=%t\n", args[0], complete)
				return nil
			})
		},
	}
	checklist.Flags().BoolVar(&complete, "complete", true, "checklist state")
	c.AddCommand(add, sign, checklist)
	return c
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <operation-id>",
		Short: "Check an operation's compliance documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res := e.Validate(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable(table.Row{"Check", "Result"})
				tw.AppendRow(table.Row{"Valid", res.IsValid})
				tw.AppendRow(table.Row{"HPT", res.HPTStatus})
				tw.AppendRow(table.Row{"Anexo Bravo", res.AnexoBravoStatus})
				if res.Context.ContextType != "" {
					tw.AppendRow(table.Row{"Context", res.Context.ContextType})
				}
				for _, msg := range res.Errors {
					tw.AppendRow(table.Row{"Error", msg})
				}
				for _, msg := range res.Warnings {
					tw.AppendRow(table.Row{"Warning", msg})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func contextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <company-id>",
		Short: "Show the company's operational context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				oc, err := e.ContextForCompany(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(oc)
				}
				tw := newTable(table.Row{"Company type", "Context", "Requires planning", "Requires documents", "Allows direct"})
				tw.AppendRow(table.Row{oc.CompanyType, oc.ContextType, oc.RequiresPlanning, oc.RequiresDocuments, oc.AllowsDirectOperations})
				tw.Render()
				return nil
			})
		},
	}
}

func schedulerCmd() *cobra.Command {
	c := &cobra.Command{Use: "scheduler", Short: "Run the immersion lifecycle job"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one lifecycle pass against the local workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.RunLifecycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	var url, basePath string
	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger the lifecycle job on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := diveopssdk.New(url)
			client.BasePath = basePath
			client.ActorID = actorID()
			summary, err := client.RunLifecycleJob(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	trigger.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "server base URL")
	trigger.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	c.AddCommand(run, trigger)
	return c
}

func notificationsCmd() *cobra.Command {
	c := &cobra.Command{Use: "notifications", Short: "Read user notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List notifications for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Notifications(ctx, args[0], unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Priority", "Immersion", "Title", "Read"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Type, n.Metadata.Priority, n.Metadata.InmersionCode, n.Title, n.ReadAt != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	list.Flags().IntVar(&limit, "limit", 50, "max notifications")
	read := &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkNotificationRead(ctx, args[0])
			})
		},
	}
	c.AddCommand(list, read)
	return c
}

func eventsCmd() *cobra.Command {
	c := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.CompanyID, "company", "", "company filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	c.AddCommand(tail)
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the lifecycle scheduler and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(app.Options{
				Workspace: viper.GetString("workspace"),
				Debug:     viper.GetBool("debug"),
				Stderr:    true,
			})
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := ws.Engine()
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: ws.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				ws.Logger.Info("serving diveops API", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if cfg.Scheduler.Enabled && !noScheduler {
				g.Go(func() error {
					e.Scheduler().Loop(ctx, cfg.Scheduler.Interval)
					return nil
				})
			}
			if len(cfg.Webhooks) > 0 {
				fwd := server.NewWebhookForwarder(e.Repo, cfg.Webhooks, ws.Logger)
				g.Go(func() error {
					fwd.Run(ctx)
					return nil
				})
			}
			fmt.Printf("Serving diveops API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from diveops.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from diveops.yml)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the in-process lifecycle scheduler")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		Debug:     viper.GetBool("debug"),
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine())
}

func actorID() string {
	return viper.GetString("actor-id")
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
