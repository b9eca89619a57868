package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/elsanchez/pupiter/internal/config"
	"github.com/elsanchez/pupiter/internal/cookies"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/mediainfo"
	"github.com/elsanchez/pupiter/internal/tui/status"
	"github.com/elsanchez/pupiter/pkg/client"
)

const (
	version = "0.1.0"
)

// Flags globales, antes del subcomando
var (
	socketPath string
	dataDir    string
)

func main() {
	defaults := config.Default()

	global := pflag.NewFlagSet("pupiterctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVar(&socketPath, "socket", defaults.SocketPath, "daemon socket")
	global.StringVar(&dataDir, "data-dir", defaults.DataDir, "data directory (credentials are stored under it)")
	global.Usage = printUsage
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	args := global.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	// Crear cliente
	c := client.NewClient(socketPath)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "ping":
		handlePing(c)
	case "account", "accounts":
		handleAccount(c, rest)
	case "push":
		handlePush(c, rest)
	case "media":
		handleMedia(c, rest)
	case "probe":
		handleProbe(rest)
	case "start", "stop", "pause", "resume", "restart":
		handleControl(c, cmd, rest)
	case "status":
		handleStatus(c, rest)
	case "watch":
		handleWatch(c, rest)
	case "version":
		fmt.Printf("pupiterctl v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Pupiter control (pupiterctl) v` + version + `

Usage: pupiterctl [--socket PATH] [--data-dir DIR] <command> [args]

Commands:
  ping                          Check that pupiterd is running
  account add <name> [options]  Register an account
  account list                  List accounts
  account get <account>         Show one account
  account remove <account>      Remove an account and its queue
  push <account> <file>         Queue a media file
  media list [account]          List queued items
  media remove <id>             Remove a queued item
  media requeue <id>            Requeue a failed item
  probe <files...>              Check media files with ffprobe
  start|stop|pause|resume|restart <account> | --all
  status [account]              Show runtime status
  watch                         Live dashboard
  version                       Show version

Account add options:
  --cookies <file>         Netscape cookie file
  --cookies-from <browser> Extract cookies from a browser (use with --domain)
  --domain <domain>        Cookie domain, e.g. instagram.com
  --tz <zone>              IANA timezone (default UTC)
  --hours <start-end>      Working hours, e.g. 9-21 (default always)
  --max-per-day <n>        Daily cap (default: daemon setting)
  --interval <min[,max]>   Hours between posts, e.g. 2 or 2,4
  --proxy <ref>            Proxy reference for the browser profile
  --auto                   Start automatically when the daemon boots

Push options:
  --caption <text>         Caption (default: sidecar .txt file if present)
  --priority <p>           low, normal or high
  --at <time>              Not before this time (RFC3339 or "15:04")
  --check                  Refuse files that fail the ffprobe check

Examples:
  pupiterctl account add shop --cookies ~/cookies/shop.txt --tz Europe/Madrid --hours 9-21 --interval 2,4
  pupiterctl account add brand --cookies-from firefox --domain instagram.com --auto
  pupiterctl push shop ~/media/reel.mp4 --caption "New drop" --priority high
  pupiterctl start --all
  pupiterctl watch`)
}

func fail(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func must(err error) {
	if err == nil {
		return
	}
	if client.IsNotRunning(err) {
		fail("pupiterd is not running (socket %s)", socketPath)
	}
	fail("%v", err)
}

// parseArgs separa los argumentos posicionales de los flags
func parseArgs(fs *pflag.FlagSet, args []string) []string {
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	return fs.Args()
}

func handlePing(c *client.Client) {
	must(c.Ping())
	fmt.Println("✓ pupiterd is running")
}

// ---- account ----

func handleAccount(c *client.Client, args []string) {
	if len(args) == 0 {
		fail("account subcommand is required (add, list, get, remove)")
	}
	switch args[0] {
	case "add":
		handleAccountAdd(c, args[1:])
	case "list", "ls":
		accounts, err := c.ListAccounts()
		must(err)
		if len(accounts) == 0 {
			fmt.Println("No accounts registered")
			return
		}
		fmt.Printf("Accounts (%d):\n\n", len(accounts))
		for _, acc := range accounts {
			printAccount(acc)
		}
	case "get", "show":
		if len(args) < 2 {
			fail("account name or id is required")
		}
		acc, err := c.GetAccount(args[1])
		must(err)
		printAccount(acc)
	case "remove", "rm":
		if len(args) < 2 {
			fail("account name or id is required")
		}
		must(c.RemoveAccount(args[1]))
		fmt.Printf("✓ Account %s removed\n", args[1])
	default:
		fail("unknown account subcommand: %s", args[0])
	}
}

func handleAccountAdd(c *client.Client, args []string) {
	fs := pflag.NewFlagSet("account add", pflag.ExitOnError)
	cookieFile := fs.String("cookies", "", "Netscape cookie file")
	browser := fs.String("cookies-from", "", "browser to extract cookies from")
	domainName := fs.String("domain", "", "cookie domain")
	force := fs.Bool("force", false, "overwrite stored credentials")
	tz := fs.String("tz", "", "IANA timezone")
	hours := fs.String("hours", "", "working hours start-end")
	maxPerDay := fs.Int("max-per-day", 0, "daily cap")
	interval := fs.String("interval", "", "hours between posts: min[,max]")
	proxy := fs.String("proxy", "", "proxy reference")
	auto := fs.Bool("auto", false, "start when the daemon boots")

	pos := parseArgs(fs, args)
	if len(pos) != 1 {
		fail("account name is required")
	}
	name := pos[0]

	acc := domain.Account{
		Name:              name,
		Timezone:          *tz,
		MaxPostsPerDay:    *maxPerDay,
		ProxyRef:          *proxy,
		AutomationEnabled: *auto,
	}
	var err error
	if acc.WorkingHours, err = parseHours(*hours); err != nil {
		fail("%v", err)
	}
	if acc.Interval, err = parseInterval(*interval); err != nil {
		fail("%v", err)
	}

	// Guardar credenciales en el data dir
	importer := cookies.NewCookieImporter(filepath.Join(dataDir, "credentials"), nil)
	if *browser != "" {
		fmt.Printf("→ Extracting %s cookies from %s...\n", *domainName, *browser)
	}
	path, result, err := importer.Import(context.Background(), cookies.ImportOptions{
		Account:  name,
		FilePath: *cookieFile,
		Browser:  *browser,
		Domain:   *domainName,
		Force:    *force,
	})
	if err != nil {
		fail("%v", err)
	}
	acc.CredentialsRef = path

	created, err := c.AddAccount(acc)
	must(err)

	fmt.Printf("✓ Account added with ID: %s\n", created.ID)
	fmt.Printf("  Name: %s\n", created.Name)
	fmt.Printf("  Credentials: %s\n", path)
	if result.Platform != "" {
		fmt.Printf("  Platform: %s\n", result.Platform)
	}
	if result.ExpiresAt != nil {
		fmt.Printf("  Cookies expire: %s\n", result.ExpiresAt.Local().Format("2006-01-02"))
	}
	if result.Message != "" {
		fmt.Printf("  %s\n", result.Message)
	}
	if created.AutomationEnabled {
		fmt.Println("  Starts automatically with the daemon")
	} else {
		fmt.Printf("  Run 'pupiterctl start %s' to begin publishing\n", created.Name)
	}
}

func printAccount(acc domain.Account) {
	fmt.Printf("%s (%s)\n", acc.Name, acc.ID)
	tz := acc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	hours := "always"
	if !acc.WorkingHours.AlwaysOpen() {
		hours = fmt.Sprintf("%02d:00-%02d:00", acc.WorkingHours.StartHour, acc.WorkingHours.EndHour)
	}
	fmt.Printf("  Timezone: %s   Hours: %s\n", tz, hours)
	maxPerDay := "default"
	if acc.MaxPostsPerDay > 0 {
		maxPerDay = strconv.Itoa(acc.MaxPostsPerDay)
	}
	fmt.Printf("  Max/day: %s   Interval: %s\n", maxPerDay, formatInterval(acc.Interval))
	if acc.ProfileID != "" {
		fmt.Printf("  Profile: %s\n", acc.ProfileID)
	}
	fmt.Printf("  Auto start: %t\n\n", acc.AutomationEnabled)
}

func parseHours(s string) (domain.WorkingHours, error) {
	if s == "" {
		return domain.WorkingHours{}, nil
	}
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return domain.WorkingHours{}, fmt.Errorf("invalid --hours %q (use start-end, e.g. 9-21)", s)
	}
	sh, err1 := strconv.Atoi(strings.TrimSpace(start))
	eh, err2 := strconv.Atoi(strings.TrimSpace(end))
	if err1 != nil || err2 != nil {
		return domain.WorkingHours{}, fmt.Errorf("invalid --hours %q", s)
	}
	wh := domain.WorkingHours{StartHour: sh, EndHour: eh}
	return wh, wh.Validate()
}

func parseInterval(s string) (domain.PublishingInterval, error) {
	if s == "" {
		return domain.PublishingInterval{}, nil
	}
	lo, hi, ranged := strings.Cut(s, ",")
	minHours, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return domain.PublishingInterval{}, fmt.Errorf("invalid --interval %q", s)
	}
	iv := domain.PublishingInterval{MinHours: minHours, MaxHours: minHours}
	if ranged {
		maxHours, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return domain.PublishingInterval{}, fmt.Errorf("invalid --interval %q", s)
		}
		iv.MaxHours, iv.Randomize = maxHours, true
	}
	return iv, iv.Validate()
}

func formatInterval(iv domain.PublishingInterval) string {
	switch {
	case iv.MinHours == 0 && iv.MaxHours == 0:
		return "none"
	case iv.Randomize && iv.MaxHours != iv.MinHours:
		return fmt.Sprintf("%gh-%gh", iv.MinHours, iv.MaxHours)
	default:
		return fmt.Sprintf("%gh", iv.MinHours)
	}
}

// ---- media ----

func handlePush(c *client.Client, args []string) {
	fs := pflag.NewFlagSet("push", pflag.ExitOnError)
	caption := fs.String("caption", "", "caption")
	priority := fs.String("priority", "", "low, normal or high")
	at := fs.String("at", "", "not before this time")
	check := fs.Bool("check", false, "refuse files that fail the ffprobe check")

	pos := parseArgs(fs, args)
	if len(pos) != 2 {
		fail("usage: pupiterctl push <account> <file>")
	}
	if _, err := domain.ParsePriority(*priority); err != nil {
		fail("%v", err)
	}

	source, err := filepath.Abs(pos[1])
	if err != nil {
		fail("%v", err)
	}
	if _, err := os.Stat(source); err != nil {
		fail("cannot access %s: %v", pos[1], err)
	}

	if *check {
		if ok := probeFile(context.Background(), mediainfo.NewProber(""), source); !ok {
			os.Exit(1)
		}
	}

	opts := client.PushOptions{
		Account:   pos[0],
		SourceRef: source,
		Caption:   *caption,
		Priority:  *priority,
	}
	if opts.Caption == "" {
		opts.Caption = sidecarCaption(source)
	}
	if *at != "" {
		t, err := parseTime(*at, time.Now())
		if err != nil {
			fail("%v", err)
		}
		opts.ScheduledAt = &t
	}

	item, err := c.Push(opts)
	must(err)

	fmt.Printf("✓ Item queued with ID: %s\n", item.ID)
	fmt.Printf("  File: %s\n", item.SourceRef)
	fmt.Printf("  Priority: %s\n", item.Priority)
	if item.ScheduledAt != nil {
		fmt.Printf("  Not before: %s\n", item.ScheduledAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("  Status: %s\n", item.Status)
}

// sidecarCaption lee video.mp4.txt o video.txt si existen
func sidecarCaption(path string) string {
	for _, p := range []string{path + ".txt", strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"} {
		if data, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// parseTime acepta RFC3339 o una hora "15:04" (hoy, o mañana si ya pasó)
func parseTime(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	hm, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q (use RFC3339 or HH:MM)", s)
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func handleMedia(c *client.Client, args []string) {
	if len(args) == 0 {
		fail("media subcommand is required (list, remove, requeue)")
	}
	switch args[0] {
	case "list", "ls":
		ref := ""
		if len(args) > 1 {
			ref = args[1]
		}
		items, err := c.ListMedia(ref)
		must(err)
		if len(items) == 0 {
			fmt.Println("No queued items")
			return
		}
		fmt.Printf("Items (%d):\n\n", len(items))
		for _, it := range items {
			printItem(it)
		}
	case "remove", "rm":
		if len(args) < 2 {
			fail("item id is required")
		}
		must(c.RemoveMedia(args[1]))
		fmt.Printf("✓ Item %s removed\n", args[1])
	case "requeue":
		if len(args) < 2 {
			fail("item id is required")
		}
		item, err := c.RequeueMedia(args[1])
		must(err)
		fmt.Printf("✓ Item %s requeued (status: %s)\n", item.ID, item.Status)
	default:
		fail("unknown media subcommand: %s", args[0])
	}
}

func printItem(it domain.MediaItem) {
	fmt.Printf("ID: %s\n", it.ID)
	fmt.Printf("  Account: %s\n", it.AccountID)
	fmt.Printf("  File: %s\n", it.SourceRef)
	fmt.Printf("  Status: %s   Priority: %s   Retries: %d\n", it.Status, it.Priority, it.RetryCount)
	if it.ScheduledAt != nil && it.Status != domain.MediaPublished {
		fmt.Printf("  Not before: %s\n", it.ScheduledAt.Local().Format("2006-01-02 15:04"))
	}
	if it.PublishedAt != nil {
		fmt.Printf("  Published: %s", it.PublishedAt.Local().Format("2006-01-02 15:04"))
		if it.ExternalPostRef != "" {
			fmt.Printf(" (%s)", it.ExternalPostRef)
		}
		fmt.Println()
	}
	if it.LastError != "" {
		fmt.Printf("  Error: %s\n", it.LastError)
	}
	fmt.Println()
}

func handleProbe(args []string) {
	if len(args) == 0 {
		fail("at least one file is required")
	}
	prober := mediainfo.NewProber("")
	if err := prober.CheckInstalled(); err != nil {
		fail("%v", err)
	}
	ctx := context.Background()
	bad := 0
	for i, path := range args {
		fmt.Printf("[%d/%d] %s\n", i+1, len(args), filepath.Base(path))
		if !probeFile(ctx, prober, path) {
			bad++
		}
	}
	if bad > 0 {
		fmt.Printf("\n%d of %d file(s) need re-encoding\n", bad, len(args))
		os.Exit(1)
	}
}

func probeFile(ctx context.Context, prober *mediainfo.Prober, path string) bool {
	info, err := prober.Probe(ctx, path)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return false
	}
	if info.Kind == mediainfo.KindImage {
		fmt.Printf("  ✓ Image %dx%d (%s)\n", info.Width, info.Height, info.VideoCodec)
		return true
	}
	ok, reasons := mediainfo.DefaultLimits().Compatible(info)
	if !ok {
		fmt.Printf("  ⚠ Needs re-encoding: %s\n", strings.Join(reasons, "; "))
		return false
	}
	fmt.Printf("  ✓ Video %dx%d %s/%s %.0fs\n", info.Width, info.Height, info.VideoCodec, info.AudioCodec, info.Duration)
	return true
}

// ---- control ----

func handleControl(c *client.Client, action string, args []string) {
	fs := pflag.NewFlagSet(action, pflag.ExitOnError)
	all := fs.Bool("all", false, "apply to every account")
	pos := parseArgs(fs, args)

	if *all {
		results, err := c.ControlAll(action)
		must(err)
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
				fmt.Printf("  ✗ %s: %s\n", r.Account, r.Error)
				continue
			}
			fmt.Printf("  ✓ %s\n", r.Account)
		}
		fmt.Printf("%s: %d account(s), %d failed\n", action, len(results), failed)
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	if len(pos) != 1 {
		fail("usage: pupiterctl %s <account> | --all", action)
	}
	st, err := c.Control(action, pos[0])
	must(err)
	fmt.Printf("✓ %s %s\n", action, st.AccountName)
	printRuntime(st)
}

func handleStatus(c *client.Client, args []string) {
	if len(args) > 0 {
		st, err := c.AccountStatus(args[0])
		must(err)
		printRuntime(st)
		for _, e := range st.Errors {
			fmt.Printf("  ! %s\n", e)
		}
		return
	}

	agg, err := c.Status()
	must(err)
	fmt.Println("Pupiter Status:")
	fmt.Println()
	fmt.Printf("  Accounts:   %d (%d running, %d paused)\n", len(agg.Accounts), agg.Running, agg.Paused)
	fmt.Printf("  Profiles:   %d / %d active\n", agg.ActiveProfiles, agg.TotalProfiles)
	if agg.MaxConcurrent > 0 {
		fmt.Printf("  Slots:      %d / %d busy\n", agg.BusySlots, agg.MaxConcurrent)
	}
	fmt.Println()
	for _, st := range agg.Accounts {
		printRuntime(st)
	}
}

func printRuntime(st domain.AccountRuntimeStatus) {
	state := string(st.State)
	if st.IsPaused {
		state += ", paused"
	}
	fmt.Printf("%s: %s\n", st.AccountName, state)
	fmt.Printf("  Auth: %s   Profile: %s   Queue: %s (%d left)\n", st.AuthStatus, st.ProfileStatus, st.QueueStatus, st.RemainingInQueue)
	fmt.Printf("  Today: %d/%d   Total: %d   Failures: %d\n", st.PublishedToday, st.MaxPostsPerDay, st.TotalPublished, st.ConsecutiveFailures)
	if st.NextAttemptAt != nil {
		fmt.Printf("  Next attempt: %s\n", st.NextAttemptAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func handleWatch(c *client.Client, args []string) {
	fs := pflag.NewFlagSet("watch", pflag.ExitOnError)
	refresh := fs.Duration("refresh", status.DefaultRefresh, "refresh interval")
	parseArgs(fs, args)

	must(c.Ping())
	p := tea.NewProgram(status.NewModel(c, *refresh), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fail("%v", err)
	}
}
