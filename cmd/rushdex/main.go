package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vcing/rushdex/internal/aster"
	"github.com/vcing/rushdex/internal/dotenv"
	"github.com/vcing/rushdex/internal/rush"
)

type args struct {
	accountsFile string
	symbols      []string
	maxTasks     int
	targetTasks  int
	leverage     int

	host       string
	streamHost string

	enableTrading bool
	seed          uint64

	tickInterval  time.Duration
	launchSpacing time.Duration

	metricsAddr string
	outFile     string
}

const defaultRunOutFile = "./out/rushdex.jsonl"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	accounts, err := rush.LoadAccounts(parsed.accountsFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	cfg := rush.Config{
		Symbols:            parsed.symbols,
		MaxConcurrentTasks: parsed.maxTasks,
		Leverage:           parsed.leverage,
		TickInterval:       parsed.tickInterval,
		LaunchSpacing:      parsed.launchSpacing,
	}
	if err := rush.Validate(cfg, accounts); err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	if parsed.enableTrading {
		log.Printf("[info] trading ENABLED: orders will be sent to %s", parsed.host)
	} else {
		log.Printf("[info] dry-run mode: no orders will be sent (use --enable-trading to go live)")
	}

	handles := make([]*rush.Handle, 0, len(accounts))
	for _, acct := range accounts {
		client, err := aster.NewClient(aster.Options{
			Host:     parsed.host,
			Proxy:    acct.Proxy,
			DryRun:   !parsed.enableTrading,
			TestMode: acct.TestMode,
		}, aster.Credentials{
			APIKey:        acct.APIKey,
			APISecret:     acct.APISecret,
			User:          acct.User,
			Signer:        acct.Signer,
			PrivateKeyHex: acct.PrivateKey,
		})
		if err != nil {
			log.Fatalf("[fatal] account %s: %v", acct.ID, err)
		}
		h := rush.NewHandle(acct, client)
		if parsed.streamHost != "" {
			h.SetStreamHost(parsed.streamHost)
		}
		handles = append(handles, h)
	}

	journal := rush.NewJournal(parsed.outFile)
	if journal != nil {
		log.Printf("Run journal: %s (JSONL)", parsed.outFile)
		defer journal.Close()
	}

	if parsed.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("[info] metrics listening on %s", parsed.metricsAddr)
			if err := http.ListenAndServe(parsed.metricsAddr, mux); err != nil {
				log.Printf("[warn] metrics server: %v", err)
			}
		}()
	}

	rng := rand.New(rand.NewPCG(parsed.seed, parsed.seed^0x9e3779b97f4a7c15))

	engine := rush.NewEngine(cfg, handles, rush.EngineOptions{
		Journal: journal,
		Rand:    rng,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[info] received %s: stopping admissions, draining tasks (signal again to abort)", sig)
		cancel()
		sig = <-sigCh
		engine.Abort(fmt.Errorf("aborted by second %s", sig))
	}()

	if !parsed.enableTrading {
		sim := rush.NewSimulator(engine, rand.New(rand.NewPCG(parsed.seed^1, parsed.seed^2)))
		go sim.Run(ctx)
	}

	err = engine.Run(ctx, parsed.targetTasks)
	log.Printf("[info] %d task(s) completed, %d failed", engine.Completed(), engine.Failed())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
}

func parseArgs() (args, error) {
	var accountsFlag string
	var symbolsFlag string
	var maxTasksFlag int
	var targetFlag int
	var leverageFlag int
	var hostFlag string
	var streamHostFlag string
	var seedFlag uint64
	var tickFlag time.Duration
	var spacingFlag time.Duration
	var metricsFlag string
	var outFlag string
	var enableTradingFlag bool

	enableTradingDefault := false
	if env := strings.TrimSpace(os.Getenv("ENABLE_TRADING")); env != "" {
		v, err := strconv.ParseBool(env)
		if err != nil {
			return args{}, fmt.Errorf("invalid ENABLE_TRADING %q: %w", env, err)
		}
		enableTradingDefault = v
	}

	flag.StringVar(&accountsFlag, "accounts", "", "Accounts config path (JSON array; or ACCOUNTS_FILE env)")
	flag.StringVar(&symbolsFlag, "symbols", "", "Symbols to trade (comma/space-separated, e.g. BTCUSDT,ETHUSDT; or SYMBOLS env)")
	flag.IntVar(&maxTasksFlag, "max-tasks", 1, "Max concurrent tasks")
	flag.IntVar(&targetFlag, "target-tasks", 0, "Stop after this many tasks finish (0 = run until signaled)")
	flag.IntVar(&leverageFlag, "leverage", 1, "Leverage applied to every account/symbol at startup")
	flag.StringVar(&hostFlag, "host", "", "REST API base URL (default "+aster.DefaultHost+")")
	flag.StringVar(&streamHostFlag, "stream-host", "", "User-data stream base URL (default "+aster.DefaultStreamHost+")")
	flag.Uint64Var(&seedFlag, "seed", 0, "RNG seed (0 = random)")
	flag.DurationVar(&tickFlag, "tick-interval", 3*time.Second, "Scheduler tick interval")
	flag.DurationVar(&spacingFlag, "launch-spacing", 1*time.Second, "Minimum spacing between task launches")
	flag.StringVar(&metricsFlag, "metrics-addr", "", "Prometheus listen address (e.g. :9184; empty disables)")
	flag.StringVar(&outFlag, "out", defaultRunOutFile, "Run journal path (JSONL; empty disables)")
	flag.BoolVar(&enableTradingFlag, "enable-trading", enableTradingDefault, "Actually place orders (default is dry-run)")
	flag.Parse()

	accountsFile := strings.TrimSpace(accountsFlag)
	if accountsFile == "" {
		accountsFile = strings.TrimSpace(os.Getenv("ACCOUNTS_FILE"))
	}
	if accountsFile == "" {
		return args{}, errors.New("missing --accounts (or ACCOUNTS_FILE env)")
	}

	symbolsRaw := strings.TrimSpace(symbolsFlag)
	if symbolsRaw == "" {
		symbolsRaw = strings.TrimSpace(os.Getenv("SYMBOLS"))
	}
	symbols := splitList(symbolsRaw)
	if len(symbols) == 0 {
		return args{}, errors.New("missing --symbols (or SYMBOLS env)")
	}

	seed := seedFlag
	if seed == 0 {
		seed = rand.Uint64()
	}

	return args{
		accountsFile:  accountsFile,
		symbols:       symbols,
		maxTasks:      maxTasksFlag,
		targetTasks:   targetFlag,
		leverage:      leverageFlag,
		host:          strings.TrimSpace(hostFlag),
		streamHost:    strings.TrimSpace(streamHostFlag),
		enableTrading: enableTradingFlag,
		seed:          seed,
		tickInterval:  tickFlag,
		launchSpacing: spacingFlag,
		metricsAddr:   strings.TrimSpace(metricsFlag),
		outFile:       strings.TrimSpace(outFlag),
	}, nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
