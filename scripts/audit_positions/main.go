// audit_positions - A utility to audit the derived journal state against the
// stored execution history. It re-derives the bookkeeping identities (counts,
// commissions, cash conservation, roll link symmetry) and reports anything
// that disagrees, exiting non-zero so it can gate cron jobs and CI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/Tommyk15/trading-journal/internal/config"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

// AuditSummary is the headline counts section of the report.
type AuditSummary struct {
	Underlyings    int `json:"underlyings"`
	Executions     int `json:"executions"`
	UnassignedExec int `json:"unassigned_executions"`
	Trades         int `json:"trades"`
	OpenTrades     int `json:"open_trades"`
	ClosedTrades   int `json:"closed_trades"`
	LedgerRows     int `json:"ledger_rows"`
	OpenLedgerRows int `json:"open_ledger_rows"`
}

// AuditResult is the full audit output.
type AuditResult struct {
	DatabasePath string       `json:"database_path"`
	Summary      AuditSummary `json:"summary"`
	Findings     []string     `json:"findings,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file (database path is read from it)")
		dbPath     = flag.String("db", "", "Path to the journal database (overrides -config)")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	path := *dbPath
	if path == "" {
		cfgFile := *configPath
		if cfgFile == "" {
			cfgFile = "config.yaml"
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		path = cfg.Database.Path
	}

	if *verbose {
		fmt.Printf("Auditing database: %s\n\n", path)
	}

	store, err := storage.NewStorage(path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Warning: failed to close storage: %v", err)
		}
	}()

	result, err := runAudit(context.Background(), store)
	if err != nil {
		log.Fatalf("Audit failed: %v", err)
	}
	result.DatabasePath = path

	if *jsonOutput {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
	} else {
		printReport(result)
	}

	if len(result.Findings) > 0 {
		os.Exit(1)
	}
}

// runAudit loads every execution, trade, and ledger row and cross-checks the
// identities the pipeline promises to maintain.
func runAudit(ctx context.Context, store storage.Interface) (*AuditResult, error) {
	result := &AuditResult{}

	underlyings, err := store.Underlyings(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing underlyings: %w", err)
	}
	result.Summary.Underlyings = len(underlyings)

	byTrade := make(map[string][]models.Execution)
	for _, u := range underlyings {
		execs, err := store.ListExecutions(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("listing executions for %s: %w", u, err)
		}
		result.Summary.Executions += len(execs)
		for _, e := range execs {
			if e.TradeID == "" {
				result.Summary.UnassignedExec++
				continue
			}
			byTrade[e.TradeID] = append(byTrade[e.TradeID], e)
		}
	}

	trades, err := store.ListTrades(ctx, storage.TradeFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	result.Summary.Trades = len(trades)

	index := make(map[string]*models.Trade, len(trades))
	for _, tr := range trades {
		index[tr.ID] = tr
		switch tr.Status {
		case models.TradeOpen:
			result.Summary.OpenTrades++
		case models.TradeClosed:
			result.Summary.ClosedTrades++
		default:
			result.Findings = append(result.Findings,
				fmt.Sprintf("trade %s: unknown status %q", tr.ID, tr.Status))
		}
		result.Findings = append(result.Findings, auditTrade(tr, byTrade[tr.ID])...)
	}
	result.Findings = append(result.Findings, auditRollLinks(trades, index)...)

	// Every execution back-link must point at a stored trade.
	for id, execs := range byTrade {
		if _, ok := index[id]; !ok {
			result.Findings = append(result.Findings,
				fmt.Sprintf("%d execution(s) reference missing trade %s", len(execs), id))
		}
	}

	entries, err := store.ListLedger(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	result.Summary.LedgerRows = len(entries)
	for i := range entries {
		if entries[i].Status == models.LedgerOpen {
			result.Summary.OpenLedgerRows++
		}
		if err := entries[i].Validate(); err != nil {
			result.Findings = append(result.Findings, err.Error())
		}
	}

	result.Findings = append(result.Findings, auditPnLConservation(trades, entries)...)

	if result.Summary.UnassignedExec > 0 {
		result.Findings = append(result.Findings,
			fmt.Sprintf("%d execution(s) not assigned to any trade - halted legs pending manual review", result.Summary.UnassignedExec))
	}

	return result, nil
}

// auditTrade cross-checks one trade's bookkeeping columns against the
// executions that reference it.
func auditTrade(tr *models.Trade, execs []models.Execution) []string {
	var findings []string

	if err := tr.ValidateCounts(execs); err != nil {
		findings = append(findings, err.Error())
	}

	switch tr.Status {
	case models.TradeOpen:
		if tr.ClosedAt != nil {
			findings = append(findings, fmt.Sprintf("trade %s: OPEN with closed_at set", tr.ID))
		}
	case models.TradeClosed:
		if tr.ClosedAt == nil {
			findings = append(findings, fmt.Sprintf("trade %s: CLOSED without closed_at", tr.ID))
		}
	}

	commission := decimal.Zero
	cash := decimal.Zero
	for i := range execs {
		commission = commission.Add(execs[i].Commission)
		cash = cash.Add(execs[i].NetAmount)
	}
	if !tr.TotalCommission.Equal(commission) {
		findings = append(findings, fmt.Sprintf("trade %s: total_commission=%s but executions sum to %s",
			tr.ID, tr.TotalCommission, commission))
	}

	// A flat trade's realized P&L is its total cash flow. Average-cost
	// attribution can shift fractions of a cent between partial closes, so
	// allow a cent per execution before flagging.
	if tr.Status == models.TradeClosed && len(execs) > 0 {
		tolerance := decimal.New(int64(len(execs)), -models.MoneyScale)
		if tr.RealizedPnL.Sub(cash).Abs().GreaterThan(tolerance) {
			findings = append(findings, fmt.Sprintf("trade %s: realized_pnl=%s but net cash flow is %s",
				tr.ID, tr.RealizedPnL, cash))
		}
	}

	return findings
}

// auditRollLinks verifies that roll pointers are mutual and stay inside one
// chain.
func auditRollLinks(trades []*models.Trade, index map[string]*models.Trade) []string {
	var findings []string
	for _, tr := range trades {
		if tr.RolledToTradeID != "" {
			next, ok := index[tr.RolledToTradeID]
			switch {
			case !ok:
				findings = append(findings, fmt.Sprintf("trade %s: rolled_to %s does not exist", tr.ID, tr.RolledToTradeID))
			case next.RolledFromTradeID != tr.ID:
				findings = append(findings, fmt.Sprintf("trade %s: rolled_to %s does not link back", tr.ID, next.ID))
			case next.RollChainID != tr.RollChainID:
				findings = append(findings, fmt.Sprintf("trade %s: chain id differs from successor %s", tr.ID, next.ID))
			}
		}
		if tr.RolledFromTradeID != "" && !tr.IsRoll {
			findings = append(findings, fmt.Sprintf("trade %s: rolled_from set but is_roll is false", tr.ID))
		}
		if tr.IsRoll && tr.RolledFromTradeID == "" {
			findings = append(findings, fmt.Sprintf("trade %s: is_roll set without rolled_from", tr.ID))
		}
	}
	return findings
}

// auditPnLConservation checks that grouping attribution conserved realized
// P&L per underlying: the ledger total and the trade total must agree.
func auditPnLConservation(trades []*models.Trade, entries []models.LedgerEntry) []string {
	ledgerPnL := make(map[string]decimal.Decimal)
	for i := range entries {
		e := &entries[i]
		ledgerPnL[e.Underlying] = ledgerPnL[e.Underlying].Add(e.RealizedPnL)
	}
	tradePnL := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	for _, tr := range trades {
		tradePnL[tr.Underlying] = tradePnL[tr.Underlying].Add(tr.RealizedPnL)
		counts[tr.Underlying] += tr.NumExecutions
	}

	var findings []string
	for u, want := range ledgerPnL {
		got := tradePnL[u]
		tolerance := decimal.New(int64(counts[u]+1), -models.MoneyScale)
		if got.Sub(want).Abs().GreaterThan(tolerance) {
			findings = append(findings, fmt.Sprintf("%s: ledger realized %s but trades carry %s", u, want, got))
		}
	}
	return findings
}

func printReport(result *AuditResult) {
	fmt.Printf("=== JOURNAL AUDIT: %s ===\n\n", result.DatabasePath)
	s := result.Summary
	fmt.Printf("Underlyings:       %d\n", s.Underlyings)
	fmt.Printf("Executions:        %d (%d unassigned)\n", s.Executions, s.UnassignedExec)
	fmt.Printf("Trades:            %d (%d open, %d closed)\n", s.Trades, s.OpenTrades, s.ClosedTrades)
	fmt.Printf("Ledger rows:       %d (%d open)\n", s.LedgerRows, s.OpenLedgerRows)
	fmt.Printf("\n")

	if len(result.Findings) == 0 {
		fmt.Printf("No issues detected.\n")
		return
	}

	fmt.Printf("FINDINGS:\n")
	for i, f := range result.Findings {
		fmt.Printf("  %d. %s\n", i+1, f)
	}
	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Re-run a full reprocess to rebuild derived state from executions\n")
	fmt.Printf("  2. Check halted legs and register any missing stock splits\n")
	fmt.Printf("  3. Re-run roll detection after the reprocess\n")
}
