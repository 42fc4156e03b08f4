package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"datepoll/internal/auth"
	"datepoll/internal/calendar"
	"datepoll/internal/config"
	"datepoll/internal/ics"
	"datepoll/internal/jobs"
	appLog "datepoll/internal/log"
	"datepoll/internal/metrics"
	"datepoll/internal/model"
	"datepoll/internal/poll"
	"datepoll/internal/store"
	"datepoll/internal/web"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "datepoll",
		Usage:   "Find a date that works for everyone.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "datepoll.yaml", Usage: "Path to config file", EnvVars: []string{"DATEPOLL_CONFIG"}},
		},
		Commands: []*cli.Command{
			serveCommand(),
			gridCommand(),
			exportCommand(),
			voteCommand(),
			purgeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("datepoll failed", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies .env / environment overrides
// and sets the log level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	if _, err := cfg.EnsureSecret(); err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.Open(ctx, cfg.Database)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the retention job.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}

			appLog.Info("datepoll starting", "version", version)
			appLog.Info("effective config",
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"week_start", cfg.WeekStart,
				"database", cfg.Database,
				"session_ttl", cfg.Session.TTL.String(),
				"retention_days", cfg.Retention.Days,
				"ics_private_networks", cfg.ICS.AllowPrivateNetworks,
			)

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				select {
				case sig := <-sigCh:
					appLog.Info("signal received, shutting down", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			issuer, err := auth.NewIssuer(cfg.Session.Secret, cfg.Session.TTL)
			if err != nil {
				return err
			}
			sessions := auth.NewSessions(issuer, auth.OnExpire(func(userID string) {
				appLog.Debug("session timer fired", "user", userID)
			}))
			defer sessions.Close()

			m := metrics.New(sessions.Active)
			if n, err := st.CountEvents(ctx); err == nil {
				appLog.Info("store ready", "events", n)
			}

			sched := jobs.NewScheduler(ctx, cfg.Location())
			err = sched.AddRetention(cfg.Retention.Cron, &jobs.Retention{
				Store:    st,
				Days:     cfg.Retention.Days,
				Location: cfg.Location(),
				OnPurged: func(n int64) { m.EventsPurged.Add(float64(n)) },
			})
			if err != nil {
				return err
			}
			sched.Start()
			defer func() {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				sched.Stop(stopCtx)
			}()

			srv := web.NewServer(web.Deps{
				Config:   cfg,
				Store:    st,
				Sessions: sessions,
				Metrics:  m,
			})
			err = srv.Run(ctx)
			appLog.Info("datepoll exiting")
			return err
		},
	}
}

func gridCommand() *cli.Command {
	return &cli.Command{
		Name:      "grid",
		Usage:     "Print the calendar grid of a month.",
		ArgsUsage: "[YYYY-MM]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "week-start", Usage: "monday or sunday (defaults to the config value)"},
			&cli.StringFlag{Name: "event", Usage: "Public id of an event whose candidate days are marked with *"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			p := calendar.PeriodOf(time.Now().In(cfg.Location()))
			if arg := c.Args().First(); arg != "" {
				if p, err = calendar.ParsePeriod(arg); err != nil {
					return err
				}
			}
			ws := cfg.WeekStart
			if v := c.String("week-start"); v != "" {
				ws = v
			}

			var marked poll.DateSet
			if id := c.String("event"); id != "" {
				st, err := openStore(c.Context, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				ev, err := st.EventByPublicID(c.Context, id)
				if err != nil {
					return fmt.Errorf("event %s: %w", id, err)
				}
				marked = poll.NewDateSet(ev.Dates()...)
			}

			printGrid(c.App.Writer, p, calendar.ParseWeekStart(ws), marked)
			return nil
		},
	}
}

func printGrid(w io.Writer, p calendar.Period, weekStart time.Weekday, marked poll.DateSet) {
	fmt.Fprintf(w, "%s %d\n", p.Month(), p.Year())
	for _, wd := range calendar.Weekdays(weekStart) {
		fmt.Fprintf(w, " %-3s", wd.String()[:2])
	}
	fmt.Fprintln(w)
	for _, week := range calendar.Generate(p, weekStart) {
		for _, d := range week {
			switch {
			case !d.IsCurrentMonth:
				fmt.Fprint(w, "    ")
			case marked.Contains(d.Date):
				fmt.Fprintf(w, " %2d*", d.Day)
			default:
				fmt.Fprintf(w, " %2d ", d.Day)
			}
		}
		fmt.Fprintln(w)
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write an event's candidate dates and tallies as iCalendar.",
		ArgsUsage: "<event-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (stdout if empty)"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("event id is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ev, err := st.EventByPublicID(c.Context, id)
			if err != nil {
				return fmt.Errorf("event %s: %w", id, err)
			}
			dir, err := st.Directory(c.Context, store.ParticipantIDs(ev))
			if err != nil {
				return err
			}
			res := poll.Aggregate(ev.Options, dir, "",
				poll.WithWeights(poll.Weights{Yes: cfg.Voting.YesWeight, Maybe: cfg.Voting.MaybeWeight}))
			out := ics.Export(ev, res, ics.ExportOptions{})

			path := c.String("out")
			if path == "" {
				_, err = io.WriteString(c.App.Writer, out)
				return err
			}
			if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
				return err
			}
			appLog.Info("event exported", "event", id, "path", path, "dates", len(res.Dates()))
			return nil
		},
	}
}

// parseChoice reads "2025-01-10=yes" or "2025-01-10=maybe:note text".
func parseChoice(s string) (model.DateKey, model.Status, string, error) {
	date, rest, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", "", fmt.Errorf("expected DATE=STATUS[:NOTE], got %q", s)
	}
	k, err := model.ParseDateKey(date)
	if err != nil {
		return "", "", "", err
	}
	st, note, _ := strings.Cut(rest, ":")
	status, ok := model.ParseStatus(st)
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q", poll.ErrInvalidStatus, st)
	}
	return k, status, note, nil
}

func voteCommand() *cli.Command {
	return &cli.Command{
		Name:      "vote",
		Usage:     "Record votes for a user from the command line.",
		ArgsUsage: "<event-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Email of the voting user"},
			&cli.StringSliceFlag{Name: "set", Required: true, Usage: "DATE=STATUS[:NOTE], repeatable"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("event id is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			acc, err := st.AccountByEmail(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("user %s: %w", c.String("user"), err)
			}
			ev, err := st.EventByPublicID(c.Context, id)
			if err != nil {
				return fmt.Errorf("event %s: %w", id, err)
			}

			draft := poll.NewDraft(acc.ID, ev.Options)
			for _, raw := range c.StringSlice("set") {
				date, status, note, err := parseChoice(raw)
				if err != nil {
					return err
				}
				if err := draft.Set(date, status, note); err != nil {
					return err
				}
			}

			var batch poll.BatchResult
			ev, err = st.UpdateEvent(c.Context, id, func(cur model.Event) (model.Event, error) {
				var next model.Event
				next, batch = poll.SubmitVotes(cur, acc.ID, draft.Submission())
				return next, nil
			})
			if err != nil {
				return err
			}
			draft.Reconcile(ev.Options, batch)

			for _, rej := range batch.Rejected {
				fmt.Fprintf(c.App.Writer, "rejected %s (%s): %s\n", rej.Input.Date, rej.Reason, rej.Detail)
			}
			for _, s := range draft.Effective() {
				fmt.Fprintf(c.App.Writer, "%s %s %s\n", s.Date, s.Status, s.Note)
			}
			if draft.Dirty() {
				return fmt.Errorf("%d choices were not saved", len(draft.Pending()))
			}
			return nil
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete events whose dates are all older than the retention period.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Retention in days (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			days := cfg.Retention.Days
			if c.IsSet("days") {
				days = c.Int("days")
			}
			if days <= 0 {
				return errors.New("retention is disabled; pass --days")
			}
			st, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := (&jobs.Retention{Store: st, Days: days, Location: cfg.Location()}).Run(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "purged %d events\n", n)
			return nil
		},
	}
}
