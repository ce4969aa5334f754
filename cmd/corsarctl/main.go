// corsarctl is the operator's maintenance tool. It talks straight to the
// database and the panels, so run it next to the daemon with the same
// environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/config"
	"github.com/corsarvpn/corsard/internal/keys"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/notify"
	"github.com/corsarvpn/corsard/internal/panel"
	"github.com/corsarvpn/corsard/internal/sched"
	"github.com/corsarvpn/corsard/internal/store"
)

const usage = `usage: corsarctl <command> [flags]

commands:
  sync-notifications   replan key lifecycle notifications for every user
  rules                list active notification rules
  preview-rule         show what a rule would plan for one user
  check-server         verify panel credentials for a server
  add-server           register a panel server
  users                list users with their state and roles
  ban                  block a user (by id or @username)
  unban                lift a user's block
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	log.Configure(log.Config{Level: "warn", Service: "corsarctl"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := dispatch(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "corsarctl: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg config.Settings, command string, args []string) error {
	switch command {
	case "sync-notifications":
		return runSyncNotifications(ctx, cfg)
	case "rules":
		return runRules(ctx, cfg)
	case "preview-rule":
		return runPreviewRule(ctx, cfg, args)
	case "check-server":
		return runCheckServer(ctx, cfg, args)
	case "add-server":
		return runAddServer(ctx, cfg, args)
	case "users":
		return runUsers(ctx, cfg)
	case "ban":
		return runSetBanned(ctx, cfg, args, true)
	case "unban":
		return runSetBanned(ctx, cfg, args, false)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(ctx context.Context, cfg config.Settings) (*store.Store, error) {
	return store.Open(ctx, cfg.DB.DSN())
}

func buildEngine(st *store.Store, cfg config.Settings) (*notify.Engine, error) {
	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	// The cron runner stays stopped: corsarctl plans schedules, it does
	// not fire them.
	return notify.NewEngine(st, sched.New(), clk, cfg.Timezone, cfg.DisableKeyNotifications), nil
}

// runSyncNotifications rebuilds lifecycle schedules for the whole user
// base. Useful after editing rules by hand or restoring a backup.
func runSyncNotifications(ctx context.Context, cfg config.Settings) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(st, cfg)
	if err != nil {
		return err
	}
	ids, err := st.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	var failed int
	for _, id := range ids {
		if err := engine.SyncUserKeyRules(ctx, id); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "user %d: %v\n", id, err)
		}
	}
	fmt.Printf("synced %d users, %d failed\n", len(ids)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d users failed", failed)
	}
	return nil
}

func runRules(ctx context.Context, cfg config.Settings) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := st.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tOFFSET\tREPEAT")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.Offset(), r.RepeatEvery())
	}
	return w.Flush()
}

func runPreviewRule(ctx context.Context, cfg config.Settings, args []string) error {
	fs := flag.NewFlagSet("preview-rule", flag.ExitOnError)
	ruleID := fs.Int64("rule", 0, "rule id")
	userID := fs.Int64("user", 0, "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ruleID == 0 || *userID == 0 {
		return fmt.Errorf("preview-rule needs -rule and -user")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(st, cfg)
	if err != nil {
		return err
	}
	rule, err := st.GetRule(ctx, *ruleID)
	if err != nil {
		return err
	}
	entries, err := engine.PreviewRule(ctx, *rule, *userID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("nothing would be planned")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.PlannedAt.Format(time.RFC3339), e.DedupKey)
	}
	return nil
}

func runCheckServer(ctx context.Context, cfg config.Settings, args []string) error {
	fs := flag.NewFlagSet("check-server", flag.ExitOnError)
	serverID := fs.Int64("server", 0, "server id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverID == 0 {
		return fmt.Errorf("check-server needs -server")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		return err
	}
	sink := messaging.NewTelegram(cfg.Bot.Token, cfg.Bot.APIBase, cfg.Bot.AdminIDs)
	svc := keys.NewService(st, keys.NewPanels(panel.NewPool()), keys.NopNotifier{}, sink, clk, cfg.Prefix)
	if err := svc.CheckConnection(ctx, *serverID); err != nil {
		return err
	}
	fmt.Printf("server %d: panel reachable, credentials accepted\n", *serverID)
	return nil
}

func runAddServer(ctx context.Context, cfg config.Settings, args []string) error {
	fs := flag.NewFlagSet("add-server", flag.ExitOnError)
	host := fs.String("host", "", "panel host, e.g. 1.2.3.4:2053 or https://panel.example.com")
	login := fs.String("login", "", "panel login")
	password := fs.String("password", "", "panel password")
	maxUsers := fs.Int("max-users", 100, "soft client capacity")
	isTest := fs.Bool("test", false, "mark as a trial-key server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" || *login == "" || *password == "" {
		return fmt.Errorf("add-server needs -host, -login and -password")
	}
	if _, err := panel.ParseEndpoint(*host); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.AddServer(ctx, &store.Server{
		Host:     *host,
		Login:    *login,
		Password: *password,
		MaxUsers: *maxUsers,
		IsTest:   *isTest,
	})
	if err != nil {
		return err
	}
	fmt.Printf("server %d added\n", id)
	return nil
}

func runUsers(ctx context.Context, cfg config.Settings) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tBANNED\tTRIAL\tROLES")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%t\t%t\t%s\n",
			u.ID, u.Username.String, u.Banned, u.TrialUsed, strings.Join(u.Roles(), ","))
	}
	return w.Flush()
}

func runSetBanned(ctx context.Context, cfg config.Settings, args []string, banned bool) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one user id or @username")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.GetUserByIDOrUsername(ctx, args[0])
	if err != nil {
		return err
	}
	if banned {
		err = st.BanUser(ctx, u.ID)
	} else {
		err = st.UnbanUser(ctx, u.ID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("user %d banned=%t\n", u.ID, banned)
	return nil
}
