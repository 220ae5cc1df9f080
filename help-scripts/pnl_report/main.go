package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/journal"
)

type instrumentSummary struct {
	Instrument string
	Trades     int
	Wins       int
	Gross      decimal.Decimal
	Won        decimal.Decimal
	Lost       decimal.Decimal
}

// summarize groups closed trades by instrument. Trades without a PnL
// (closed without an exit price) count as trades but add nothing.
func summarize(trades []journal.Trade) []instrumentSummary {
	byInst := map[string]*instrumentSummary{}
	for _, t := range trades {
		s, ok := byInst[t.Instrument]
		if !ok {
			s = &instrumentSummary{Instrument: t.Instrument}
			byInst[t.Instrument] = s
		}
		s.Trades++
		if !t.PnL.Valid {
			continue
		}
		pnl := t.PnL.Decimal
		s.Gross = s.Gross.Add(pnl)
		if pnl.IsPositive() {
			s.Wins++
			s.Won = s.Won.Add(pnl)
		} else {
			s.Lost = s.Lost.Add(pnl)
		}
	}

	out := make([]instrumentSummary, 0, len(byInst))
	for _, s := range byInst {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func writeCSV(w io.Writer, trades []journal.Trade, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"closed_at", "instrument", "direction", "size", "entry", "exit", "pnl", "reason", "deal_id"}); err != nil {
		return err
	}
	for _, t := range trades {
		closed := ""
		if t.ClosedAt.Valid {
			closed = t.ClosedAt.Time.In(loc).Format("2006-01-02 15:04:05")
		}
		rec := []string{
			closed,
			t.Instrument,
			string(t.Direction),
			t.Size.String(),
			t.EntryPrice.String(),
			nullDecimal(t.ExitPrice),
			nullDecimal(t.PnL),
			t.Reason,
			t.DealID,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

// window returns the report range ending at now.
func window(now time.Time, hours int, today bool) (time.Time, time.Time) {
	if today {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), now
	}
	return now.Add(-time.Duration(hours) * time.Hour), now
}

func main() {
	cfg := config.LoadConfig()

	hours := flag.Int("hours", 24, "lookback window in hours")
	instFlag := flag.String("instrument", "", "only report this instrument")
	today := flag.Bool("today", false, "limit to the current calendar day (LOCAL_TZ); overrides -hours")
	dbPath := flag.String("db", cfg.JournalPath, "trade journal path")
	outCSV := flag.String("out", "report.csv", "path to write CSV report (empty to disable)")
	flag.Parse()

	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintf(os.Stderr, "timezone %q unavailable, using UTC: %v\n", cfg.LocalTZ, err)
	}

	j, err := journal.New(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	from, to := window(time.Now().In(loc), *hours, *today)
	trades, err := j.ClosedBetween(context.Background(), from, to, strings.ToUpper(*instFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query journal: %v\n", err)
		os.Exit(1)
	}
	if len(trades) == 0 {
		fmt.Println("No closed trades in the selected window.")
		return
	}

	label := fmt.Sprintf("last %dh", *hours)
	if *today {
		label = "today"
	}
	fmt.Printf("Closed trades %s (%s .. %s)\n", label, from.Format("2006-01-02 15:04"), to.Format("2006-01-02 15:04"))
	fmt.Printf("%-19s %-10s %-5s %-8s %-12s %-12s %-10s %s\n", "Time", "Instrument", "Side", "Size", "Entry", "Exit", "PnL", "Reason")
	for _, t := range trades {
		closed := "n/a"
		if t.ClosedAt.Valid {
			closed = t.ClosedAt.Time.In(loc).Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-19s %-10s %-5s %-8s %-12s %-12s %-10s %s\n",
			closed, t.Instrument, t.Direction, t.Size, t.EntryPrice, nullDecimal(t.ExitPrice), nullDecimal(t.PnL), t.Reason)
	}

	fmt.Println()
	total := decimal.Zero
	for _, s := range summarize(trades) {
		fmt.Printf("%-10s trades=%d wins=%d pnl=%s (won %s, lost %s)\n",
			s.Instrument, s.Trades, s.Wins, s.Gross.StringFixed(2), s.Won.StringFixed(2), s.Lost.StringFixed(2))
		total = total.Add(s.Gross)
	}
	fmt.Printf("Total PnL: %s\n", total.StringFixed(2))

	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write CSV: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := writeCSV(f, trades, loc); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CSV saved to %s\n", *outCSV)
	}
}
