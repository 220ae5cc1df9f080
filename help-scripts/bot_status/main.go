package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Carsten0007/Tradingbot-2/models"
)

type statusResponse struct {
	Time        time.Time                   `json:"time"`
	Uptime      string                      `json:"uptime"`
	Account     string                      `json:"account"`
	Instruments []models.InstrumentSnapshot `json:"instruments"`
}

func main() {
	defaultAddr := os.Getenv("STATUS_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:6061"
	}

	addr := flag.String("addr", defaultAddr, "status server address or URL")
	instrument := flag.String("instrument", "", "only show this instrument")
	jsonOut := flag.Bool("json", false, "print raw JSON")
	timeout := flag.Duration("timeout", 5*time.Second, "HTTP timeout")
	flag.Parse()

	url := strings.TrimSpace(*addr)
	if url == "" {
		fmt.Fprintln(os.Stderr, "status address is empty")
		os.Exit(1)
	}
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/status"
	if *instrument != "" {
		url += "/" + strings.ToUpper(*instrument)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status request error: %s\n%s\n", resp.Status, string(body))
		os.Exit(1)
	}
	if *jsonOut {
		fmt.Println(string(body))
		return
	}

	if *instrument != "" {
		var snap models.InstrumentSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse JSON: %v\n", err)
			os.Exit(1)
		}
		printInstrument(snap)
		return
	}

	var payload statusResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Time: %s  uptime=%s  account=%s\n", formatTime(payload.Time), payload.Uptime, payload.Account)
	for _, snap := range payload.Instruments {
		fmt.Println()
		printInstrument(snap)
	}
}

func printInstrument(s models.InstrumentSnapshot) {
	fmt.Printf("%s  bid=%.5f ask=%.5f  bars=%d  directionality=%.2f  params=v%d  updated=%s\n",
		s.Instrument, s.Bid, s.Ask, s.HistoryLen, s.Directionality, s.ParamsVersion, formatTime(s.UpdatedAt))

	if s.LastClosedBar != nil {
		b := s.LastClosedBar
		fmt.Printf("  Last bar %s: O=%.5f H=%.5f L=%.5f C=%.5f ticks=%d\n",
			b.Start.Format("15:04"), b.OpenBid, b.HighBid, b.LowBid, b.CloseBid, b.TickCount)
	}
	printSignal("Signal", s.LastSignal)
	printSignal("Forming", s.Advisory)

	if s.Position == nil {
		fmt.Println("  Position: none")
		return
	}
	p := s.Position
	fmt.Printf("  Position: %s size=%.2f entry=%.5f deal=%s unrealized=%.2f opened=%s\n",
		p.Direction, p.Size, p.EntryPrice, p.DealID, p.UnrealizedPnL, formatTime(p.OpenedAt))
	fmt.Printf("  Levels: SL=%s TP=%s TS=%s BE=%s\n",
		level(s.Levels.StopLoss), level(s.Levels.TakeProfit), level(s.Levels.TrailingStop), level(s.Levels.BreakEven))
}

func printSignal(label string, sig *models.SignalSnapshot) {
	if sig == nil || sig.Time.IsZero() {
		fmt.Printf("  %s: none\n", label)
		return
	}
	fmt.Printf("  %s: %s %s fast=%.5f slow=%.5f at %s", label, sig.Kind, sig.Family, sig.MAFast, sig.MASlow, formatTime(sig.Time))
	if sig.Reason != "" {
		fmt.Printf(" (%s)", sig.Reason)
	}
	fmt.Println()
}

func level(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.5f", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.UTC().Format(time.RFC3339)
}
