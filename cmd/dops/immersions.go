package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/repo"
)

func immersionCmd() *cobra.Command {
	c := &cobra.Command{Use: "immersion", Short: "Schedule and run immersions"}
	c.AddCommand(immersionCreateCmd())
	c.AddCommand(immersionActionCmd("start", "Put a planned immersion in the water", func(ctx context.Context, e engine.Engine, id string) (domain.Immersion, error) {
		return e.StartImmersion(ctx, id, actorID())
	}))
	c.AddCommand(immersionActionCmd("complete", "Complete an immersion in progress", func(ctx context.Context, e engine.Engine, id string) (domain.Immersion, error) {
		return e.CompleteImmersion(ctx, id, actorID())
	}))
	c.AddCommand(immersionCancelCmd())
	c.AddCommand(immersionListCmd())
	c.AddCommand(immersionShowCmd())
	c.AddCommand(immersionTeamCmd())
	return c
}

func immersionCreateCmd() *cobra.Command {
	var opts engine.ImmersionCreateOptions
	var end string
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule an immersion",
		Long: `Schedule an immersion. --end takes an RFC3339 timestamp or a duration from now (e.g. 90m).
Team members are user:role pairs; roles are supervisor, buzo_principal, buzo_asistente, buzo_emergencia.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			endAt, err := parseEndTime(end, time.Now())
			if err != nil {
				return err
			}
			team, err := parseMembers(members)
			if err != nil {
				return err
			}
			opts.EstimatedEndTime = endAt
			opts.Team = team
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				im, err := e.CreateImmersion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(im, fmt.Sprintf("Created immersion %s (%s), ends %s", im.Codigo, im.ID, im.EstimatedEndTime))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "immersion id (default: generated)")
	cmd.Flags().StringVar(&opts.Codigo, "codigo", "", "immersion code")
	cmd.Flags().StringVar(&opts.CompanyID, "company", "", "company id (default: the operation's company)")
	cmd.Flags().StringVar(&opts.OperacionID, "operation", "", "operation id")
	cmd.Flags().StringVar(&opts.SupervisorID, "supervisor", "", "supervisor user id")
	cmd.Flags().StringVar(&end, "end", "", "estimated end time (RFC3339 or duration from now)")
	cmd.Flags().StringArrayVar(&members, "member", nil, "team member as user:role (repeatable)")
	_ = cmd.MarkFlagRequired("codigo")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

type immersionAction func(ctx context.Context, e engine.Engine, id string) (domain.Immersion, error)

func immersionActionCmd(use, short string, fn immersionAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <immersion-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				im, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrLine(im, fmt.Sprintf("Immersion %s is %s", im.Codigo, im.Estado))
			})
		},
	}
}

func immersionCancelCmd() *cobra.Command {
	var reason string
	cmd := immersionActionCmd("cancel", "Cancel an immersion", func(ctx context.Context, e engine.Engine, id string) (domain.Immersion, error) {
		return e.CancelImmersion(ctx, id, reason, actorID())
	})
	cmd.Flags().StringVar(&reason, "reason", "", "why the immersion was canceled")
	return cmd
}

func immersionListCmd() *cobra.Command {
	var f repo.ImmersionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List immersions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListImmersions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Codigo", "Estado", "Operation", "Supervisor", "Estimated end", "Actual end"})
				for _, im := range items {
					tw.AppendRow(table.Row{im.ID, im.Codigo, im.Estado, stringOrEmpty(im.OperacionID), stringOrEmpty(im.SupervisorID), im.EstimatedEndTime, stringOrEmpty(im.ActualEndTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "company filter")
	cmd.Flags().StringVar(&f.OperacionID, "operation", "", "operation filter")
	cmd.Flags().StringVar(&f.Estado, "estado", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max immersions")
	return cmd
}

func immersionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <immersion-id>",
		Short: "Show an immersion with its team, logs and notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ImmersionDetail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				im := d.Immersion
				fmt.Printf("Immersion %s (%s)\n", im.Codigo, im.ID)
				fmt.Printf("  estado: %s\n", im.Estado)
				fmt.Printf("  estimated end: %s\n", im.EstimatedEndTime)
				if im.ActualEndTime != nil {
					fmt.Printf("  actual end: %s\n", *im.ActualEndTime)
				}
				if im.NotificationStatus.AutoCompleted {
					fmt.Println("  auto-completed by scheduler")
				}
				tw := newTable(table.Row{"User", "Role"})
				for _, m := range d.Team {
					tw.AppendRow(table.Row{m.UserID, m.Role})
				}
				tw.Render()
				if d.SupervisorLog != nil {
					fmt.Printf("Supervisor log filed by %s at %s\n", d.SupervisorLog.SupervisorID, d.SupervisorLog.CreatedAt)
				} else {
					fmt.Println("Supervisor log: pending")
				}
				fmt.Printf("Diver logs: %d, notifications: %d\n", len(d.DiverLogs), len(d.Notifications))
				return nil
			})
		},
	}
}

func immersionTeamCmd() *cobra.Command {
	var add string
	cmd := &cobra.Command{
		Use:   "team <immersion-id>",
		Short: "Show or extend the immersion team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if add != "" {
					members, err := parseMembers([]string{add})
					if err != nil {
						return err
					}
					if err := e.AssignTeamMember(ctx, args[0], members[0]); err != nil {
						return err
					}
				}
				team, err := e.Team(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(team)
				}
				tw := newTable(table.Row{"User", "Role"})
				for _, m := range team {
					tw.AppendRow(table.Row{m.UserID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&add, "add", "", "add a member as user:role")
	return cmd
}

func logbookCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "File supervisor and diver logs"}

	var supervisorID, supervisorSummary string
	supervisor := &cobra.Command{
		Use:   "supervisor <immersion-id>",
		Short: "File the supervisor log for a completed immersion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.FileSupervisorLog(ctx, args[0], supervisorID, supervisorSummary, actorID())
				if err != nil {
					return err
				}
				return printJSONOrLine(l, fmt.Sprintf("Supervisor log %s filed", l.ID))
			})
		},
	}
	supervisor.Flags().StringVar(&supervisorID, "supervisor", "", "supervisor user id (default: the immersion's supervisor)")
	supervisor.Flags().StringVar(&supervisorSummary, "summary", "", "log summary")

	var userID, diverSummary string
	diver := &cobra.Command{
		Use:   "diver <immersion-id>",
		Short: "File an individual diver log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.FileDiverLog(ctx, args[0], userID, diverSummary, actorID())
				if err != nil {
					return err
				}
				return printJSONOrLine(l, fmt.Sprintf("Diver log %s filed for %s", l.ID, l.UserID))
			})
		},
	}
	diver.Flags().StringVar(&userID, "user", "", "diver user id")
	diver.Flags().StringVar(&diverSummary, "summary", "", "log summary")
	_ = diver.MarkFlagRequired("user")

	c.AddCommand(supervisor, diver)
	return c
}

func parseEndTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --end %q: want RFC3339 or a duration like 90m", raw)
	}
	return now.Add(d), nil
}

func parseMembers(items []string) ([]domain.TeamMember, error) {
	var out []domain.TeamMember
	for _, it := range items {
		user, role, ok := strings.Cut(it, ":")
		if !ok || user == "" || role == "" {
			return nil, fmt.Errorf("invalid member %q: want user:role", it)
		}
		out = append(out, domain.TeamMember{UserID: user, Role: role})
	}
	return out, nil
}
