package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/getlantern/appdir"
	"github.com/getlantern/docquery"
	"github.com/getlantern/docquery/cmd"
	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/metrics"
	"github.com/getlantern/golog"
	"github.com/getlantern/mtime"
	"github.com/vharitonsky/iniflags"
)

const (
	basePrompt  = "docquery >"
	emptyPrompt = "           "
	statsCmd    = `\stats`
)

var (
	log = golog.LoggerFor("docquery-cli")

	collection   = flag.String("collection", "", "Link of the collection to query, for example dbs/mydb/colls/mycoll")
	maxItemCount = flag.Int("maxitemcount", 0, "Page size requested from each partition")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of partitions fetched concurrently, 0 lets the client decide")
	maxRU        = flag.Float64("maxru", 0, "If specified, stop each query once it has consumed this many request units")
	forcePlan    = flag.Bool("forceplan", false, "Always fetch a query plan before running queries")
	partitionKey = flag.String("partitionkey", "", "Optionally scope queries to this partition key, given as JSON (for example \"k\" or 5)")
	queryStats   = flag.Bool("querystats", false, "Set this to show engine stats after each query")
)

func main() {
	iniflags.Parse()
	cmd.StartPprof()

	if *collection == "" {
		log.Fatal("Please specify a -collection")
	}

	opts, err := cmd.ClientOptions()
	if err != nil {
		log.Fatalf("Unable to load client options: %v", err)
	}
	client, err := docquery.NewClient(opts)
	if err != nil {
		log.Fatalf("Unable to create client: %v", err)
	}

	if flag.NArg() == 1 {
		// Run a single query from the command-line and exit
		sql := strings.Trim(flag.Arg(0), ";")
		if queryErr := query(os.Stdout, os.Stderr, client, sql); queryErr != nil {
			log.Fatal(queryErr)
		}
		return
	}

	clidir := appdir.General("docquery")
	if err := os.MkdirAll(clidir, 0700); err != nil {
		log.Fatalf("Unable to create directory for saving history: %v", err)
	}
	historyFile := filepath.Join(clidir, "history")
	fmt.Fprintf(os.Stderr, "Will save history to %v\n", historyFile)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 basePrompt + " ",
		HistoryFile:            historyFile,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()

	var lines []string
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		lines = processLine(rl, client, lines, line)
	}
}

func processLine(rl *readline.Instance, client *docquery.Client, lines []string, line string) []string {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return lines
	}
	if line == statsCmd {
		printStats(rl.Stderr())
		return lines
	}
	lines = append(lines, line)
	if !strings.HasSuffix(line, ";") {
		rl.SetPrompt(emptyPrompt)
		return lines
	}
	sql := strings.Join(lines, "\n")
	rl.SaveHistory(sql)
	sql = strings.TrimSuffix(sql, ";")
	lines = lines[:0]
	rl.SetPrompt(basePrompt + " ")

	if err := query(rl.Stdout(), rl.Stderr(), client, sql); err != nil {
		fmt.Fprintln(rl.Stderr(), err)
	}
	return lines
}

func query(stdout io.Writer, stderr io.Writer, client *docquery.Client, sql string) error {
	feedOpts := &docquery.FeedOptions{
		MaxItemCount:           *maxItemCount,
		MaxDegreeOfParallelism: *parallelism,
		ForceQueryPlan:         *forcePlan,
		MaxRUPerOperation:      *maxRU,
	}
	if *partitionKey != "" {
		if err := json.Unmarshal([]byte(*partitionKey), &feedOpts.PartitionKey); err != nil {
			return fmt.Errorf("Invalid partition key %v: %v", *partitionKey, err)
		}
	}

	elapsed := mtime.Stopwatch()
	enc := json.NewEncoder(stdout)
	it := client.Query(*collection, &common.SQLQuery{Query: sql}, feedOpts)
	headers, err := it.Iterate(context.Background(), func(item interface{}) (bool, error) {
		if log.IsTraceEnabled() {
			log.Tracef("Got item: %v", spew.Sdump(item))
		}
		return true, enc.Encode(item)
	})
	if err != nil {
		return err
	}
	if log.IsTraceEnabled() {
		log.Tracef("Response headers: %v", spew.Sdump(headers))
	}

	fmt.Fprintf(stderr, "%v items in %v, %v RU over %v requests\n",
		humanize.Comma(int64(headers.ItemCount)),
		elapsed(),
		humanize.FormatFloat("#,###.##", headers.RequestCharge),
		humanize.Comma(int64(headers.RequestCount)))
	if *queryStats {
		printStats(stderr)
	}
	return nil
}

func printStats(stderr io.Writer) {
	stats := metrics.GetStats()
	fmt.Fprintf(stderr, "Query plans: %v   Lazy upgrades: %v   Executions: %v   Repairs: %v   RU cap exceeded: %v   Total RU: %v\n",
		humanize.Comma(int64(stats.Query.QueryPlansFetched)),
		humanize.Comma(int64(stats.Query.LazyUpgrades)),
		humanize.Comma(int64(stats.Query.ExecutionsStarted)),
		humanize.Comma(int64(stats.Query.Repairs)),
		humanize.Comma(int64(stats.Query.RUCapExceeded)),
		humanize.FormatFloat("#,###.##", stats.Query.TotalRequestCharge))
	for _, p := range stats.Partitions {
		fmt.Fprintf(stderr, "  %-10v fetches: %-8v items: %-10v RU: %-12v gone: %-4v time: %v (p50 %v, p99 %v)\n",
			p.PartitionKeyRangeID,
			humanize.Comma(int64(p.Fetches)),
			humanize.Comma(int64(p.Items)),
			humanize.FormatFloat("#,###.##", p.RequestCharge),
			p.Gone,
			p.FetchTime,
			p.FetchLatencyP50,
			p.FetchLatencyP99)
	}
}
