// Package export renders closed-period snapshots as XLSX workbooks.
package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jnst/ledger-core/internal/model"
)

// Sheet names of a snapshot workbook.
const (
	SheetTrialBalance = "Trial Balance"
	SheetIntegrity    = "Integrity"
)

// WriteSnapshot writes the snapshot balances and its integrity values to w.
func WriteSnapshot(w io.Writer, period *model.Period, snap *model.PeriodSnapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetTrialBalance); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetIntegrity); err != nil {
		return fmt.Errorf("create integrity sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	if err := writeBalances(f, snap, bold); err != nil {
		return err
	}
	if err := writeIntegrity(f, period, snap, bold); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}

	return nil
}

func writeBalances(f *excelize.File, snap *model.PeriodSnapshot, headerStyle int) error {
	header := []any{"Account Code", "Account Name", "Currency", "Debit", "Credit", "Balance Minor Units"}
	if err := f.SetSheetRow(SheetTrialBalance, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetCellStyle(SheetTrialBalance, "A1", "F1", headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	tb := model.TrialBalance{Balances: snap.Balances}
	tb.ComputeTotals()

	row := 2
	for _, b := range snap.Balances {
		debit, credit := "", ""
		if b.BalanceMinorUnits >= 0 {
			debit = model.FormatMinor(b.BalanceMinorUnits, b.CurrencyCode)
		} else {
			credit = model.FormatMinor(-b.BalanceMinorUnits, b.CurrencyCode)
		}

		values := []any{b.AccountCode, b.AccountName, b.CurrencyCode, debit, credit, b.BalanceMinorUnits}
		if err := setRow(f, SheetTrialBalance, row, values); err != nil {
			return err
		}
		row++
	}

	currencies := make([]string, 0, len(tb.Totals))
	for c := range tb.Totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		t := tb.Totals[c]
		values := []any{"Total", "", c, model.FormatMinor(t.DebitMinor, c), model.FormatMinor(t.CreditMinor, c), t.NetMinor}
		if err := setRow(f, SheetTrialBalance, row, values); err != nil {
			return err
		}

		start, _ := excelize.CoordinatesToCellName(1, row)
		end, _ := excelize.CoordinatesToCellName(len(values), row)
		if err := f.SetCellStyle(SheetTrialBalance, start, end, headerStyle); err != nil {
			return fmt.Errorf("style totals: %w", err)
		}
		row++
	}

	return nil
}

func writeIntegrity(f *excelize.File, period *model.Period, snap *model.PeriodSnapshot, labelStyle int) error {
	rows := [][]any{
		{"Tenant", snap.TenantID},
		{"Period", snap.PeriodID},
		{"Period Name", periodName(period)},
		{"As Of", snap.AsOfDate.Format(model.DateLayout)},
		{"Snapshot ID", snap.ID},
		{"Merkle Root", snap.MerkleRoot},
		{"Checksum", snap.Checksum},
		{"Signature", snap.Signature},
		{"Signature Key", snap.SignatureKeyID},
		{"Created By", snap.CreatedBy},
		{"Created At", snap.CreatedAt.UTC().Format(time.RFC3339)},
		{"Balances", len(snap.Balances)},
	}

	for i, values := range rows {
		if err := setRow(f, SheetIntegrity, i+1, values); err != nil {
			return err
		}
	}

	end, _ := excelize.CoordinatesToCellName(1, len(rows))
	if err := f.SetCellStyle(SheetIntegrity, "A1", end, labelStyle); err != nil {
		return fmt.Errorf("style labels: %w", err)
	}

	return f.SetColWidth(SheetIntegrity, "B", "B", 70)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}

	return nil
}

func periodName(p *model.Period) string {
	if p == nil {
		return ""
	}

	return p.Name
}
