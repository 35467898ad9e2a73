package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func optExec(id string, side Side, optType OptionType, strike string, exp time.Time, qty, price string) Execution {
	return Execution{
		ExecID:        id,
		Underlying:    "SPY",
		SecurityType:  SecurityOption,
		OptionType:    optType,
		Strike:        dec(strike),
		Expiration:    exp,
		Multiplier:    dec("100"),
		Side:          side,
		Quantity:      dec(qty),
		Price:         dec(price),
		ExecutionTime: time.Date(2025, 11, 1, 14, 30, 0, 0, time.UTC),
		AccountID:     "U1234567",
	}
}

func TestLegKey(t *testing.T) {
	exp := time.Date(2025, 11, 21, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		exec Execution
		want string
	}{
		{
			name: "put",
			exec: optExec("e1", SideSell, OptionPut, "580", exp, "1", "1.50"),
			want: "20251121_580_P",
		},
		{
			name: "call with fractional strike",
			exec: optExec("e2", SideBuy, OptionCall, "582.5", exp, "1", "2.00"),
			want: "20251121_582.5_C",
		},
		{
			name: "trailing zeros trimmed",
			exec: optExec("e3", SideBuy, OptionCall, "580.00", exp, "1", "2.00"),
			want: "20251121_580_C",
		},
		{
			name: "stock",
			exec: Execution{SecurityType: SecurityStock, Underlying: "TSLA"},
			want: "STK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.exec.LegKey(); got != tt.want {
				t.Errorf("LegKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignedAmounts(t *testing.T) {
	exp := time.Date(2025, 11, 21, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		exec      Execution
		wantQty   string
		wantNet   string
		wantGross string
	}{
		{
			name:      "buy is positive delta negative cash",
			exec:      optExec("e1", SideBuy, OptionCall, "580", exp, "2", "1.25"),
			wantQty:   "2",
			wantNet:   "-250",
			wantGross: "250",
		},
		{
			name:      "sell is negative delta positive cash",
			exec:      optExec("e2", SideSell, OptionPut, "575", exp, "1", "1.50"),
			wantQty:   "-1",
			wantNet:   "150",
			wantGross: "150",
		},
		{
			name: "fractional stock quantity",
			exec: Execution{
				ExecID: "e3", Underlying: "TSLA", SecurityType: SecurityStock,
				Multiplier: dec("1"), Side: SideBuy,
				Quantity: dec("10.5000"), Price: dec("250"),
				ExecutionTime: time.Now().UTC(), AccountID: "U1",
			},
			wantQty:   "10.5",
			wantNet:   "-2625",
			wantGross: "2625",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.exec.SignedQuantity(); !got.Equal(dec(tt.wantQty)) {
				t.Errorf("SignedQuantity() = %s, want %s", got, tt.wantQty)
			}
			if got := tt.exec.SignedNetAmount(); !got.Equal(dec(tt.wantNet)) {
				t.Errorf("SignedNetAmount() = %s, want %s", got, tt.wantNet)
			}
			if got := tt.exec.GrossAmount(); !got.Equal(dec(tt.wantGross)) {
				t.Errorf("GrossAmount() = %s, want %s", got, tt.wantGross)
			}
		})
	}
}

func TestExecutionValidate(t *testing.T) {
	exp := time.Date(2025, 11, 21, 0, 0, 0, 0, time.UTC)
	valid := optExec("e1", SideSell, OptionPut, "580", exp, "1", "1.50")
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid execution rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Execution)
	}{
		{"missing exec_id", func(e *Execution) { e.ExecID = "" }},
		{"missing underlying", func(e *Execution) { e.Underlying = "" }},
		{"bad side", func(e *Execution) { e.Side = "SOLD" }},
		{"zero quantity", func(e *Execution) { e.Quantity = decimal.Zero }},
		{"negative price", func(e *Execution) { e.Price = dec("-1") }},
		{"missing time", func(e *Execution) { e.ExecutionTime = time.Time{} }},
		{"missing account", func(e *Execution) { e.AccountID = "" }},
		{"option without right", func(e *Execution) { e.OptionType = OptionNone }},
		{"option without strike", func(e *Execution) { e.Strike = decimal.Zero }},
		{"option without expiration", func(e *Execution) { e.Expiration = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Errorf("expected validation error, got nil")
			}
		})
	}
}

func TestSortExecutions(t *testing.T) {
	t0 := time.Date(2025, 11, 1, 14, 30, 0, 0, time.UTC)
	execs := []Execution{
		{ExecID: "b", ExecutionTime: t0},
		{ExecID: "a", ExecutionTime: t0},
		{ExecID: "c", ExecutionTime: t0.Add(-time.Minute)},
	}
	SortExecutions(execs)

	want := []string{"c", "a", "b"}
	for i, id := range want {
		if execs[i].ExecID != id {
			t.Fatalf("position %d: got %s, want %s", i, execs[i].ExecID, id)
		}
	}
}
