// Command invoice-auditctl inspects and verifies the append-only audit
// chain: verify replays the whole log and recomputes every hash; list
// prints events matching a filter; head prints the current chain head.
//
// Usage:
//
//	invoice-auditctl verify --config config.yaml
//	invoice-auditctl list --run-id <id> --limit 50
//	invoice-auditctl head
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"invoicerun/internal/auditchain/impl_file"
	"invoicerun/internal/config"
	"invoicerun/pkg/clock"
	"invoicerun/pkg/domain/audit"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	args := os.Args[2:]

	flags := flag.NewFlagSet(sub, flag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to YAML config file")
	runID := flags.String("run-id", "", "filter by run ID (list only)")
	eventType := flags.String("event-type", "", "filter by event type (list only)")
	limit := flags.Int("limit", 100, "max events returned (list only)")
	asJSON := flags.Bool("json", false, "print machine-readable JSON")
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	chain := impl_file.New(cfg.StorageRoot+"/audit/events.log", clock.NewReal(), cfg.AuditMaskFields)
	ctx := context.Background()

	switch sub {
	case "verify":
		result, err := chain.Verify(ctx)
		if err != nil {
			fatal(err)
		}
		printResult(result, *asJSON)
		if !result.Valid {
			os.Exit(1)
		}
	case "list":
		events, err := chain.List(ctx, audit.Filter{RunID: *runID, EventType: *eventType, Limit: *limit})
		if err != nil {
			fatal(err)
		}
		printEvents(events, *asJSON)
	case "head":
		head, err := chain.Head(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Println(head)
	default:
		usage()
		os.Exit(2)
	}
}

func printResult(r *audit.VerificationResult, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}
	if r.Valid {
		fmt.Printf("chain valid: %d events checked, head %s\n", r.EventsChecked, r.HeadHash)
		return
	}
	fmt.Printf("chain INVALID at event %d: %s\n", r.FirstErrorIndex, r.Error)
}

func printEvents(events []audit.Event, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(events)
		return
	}
	for _, e := range events {
		fmt.Printf("%s  %-24s  run=%-36s  hash=%s\n", e.TimestampUTC.Format("2006-01-02T15:04:05Z"), e.EventType, e.RunID, e.Hash)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: invoice-auditctl <verify|list|head> [flags]")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "invoice-auditctl: %v\n", err)
	os.Exit(1)
}
