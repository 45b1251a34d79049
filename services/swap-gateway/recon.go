package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// SettlementExporter flattens the mirrored event journal into daily CSV and
// parquet files for downstream reconciliation.
type SettlementExporter struct {
	store  *Store
	dir    string
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewSettlementExporter(store *Store, dir string, logger *slog.Logger) *SettlementExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementExporter{store: store, dir: dir, logger: logger, nowFn: time.Now}
}

// ExportResult describes a completed settlement export.
type ExportResult struct {
	Date        string `json:"date"`
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Rows        int    `json:"rows"`
}

// ExportDay writes all events committed on the given UTC day.
func (e *SettlementExporter) ExportDay(ctx context.Context, day time.Time) (*ExportResult, error) {
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	events, err := e.store.EventsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	rows := settlementRows(events)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	date := start.Format("2006-01-02")
	csvPath := filepath.Join(e.dir, "settlements-"+date+".csv")
	if err := writeSettlementCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(e.dir, "settlements-"+date+".parquet")
	if err := writeSettlementParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.logger.Info("settlement export complete", "date", date, "rows", len(rows), "path", parquetPath)
	return &ExportResult{Date: date, CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(rows)}, nil
}

// Run exports the previous UTC day shortly after each midnight until the
// context is cancelled.
func (e *SettlementExporter) Run(ctx context.Context) {
	for {
		now := e.nowFn().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		previous := next.Add(-24 * time.Hour)
		if _, err := e.ExportDay(ctx, previous); err != nil {
			e.logger.Error("settlement export failed", "date", previous.Format("2006-01-02"), "err", err)
		}
	}
}

type settlementRow struct {
	Sequence    int64  `parquet:"name=sequence, type=INT64"`
	EventType   string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID    string `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maker       string `parquet:"name=maker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Taker       string `parquet:"name=taker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset       string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountWei   string `parquet:"name=amount_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart int64  `parquet:"name=window_start, type=INT64"`
	WindowEnd   int64  `parquet:"name=window_end, type=INT64"`
	CommitTime  string `parquet:"name=commit_time, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func settlementRows(events []StoredEvent) []settlementRow {
	rows := make([]settlementRow, 0, len(events))
	for _, evt := range events {
		attrs := evt.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		rows = append(rows, settlementRow{
			Sequence:    int64(evt.Sequence),
			EventType:   evt.Type,
			EscrowID:    evt.EscrowID,
			Maker:       attrs["maker"],
			Taker:       attrs["taker"],
			Asset:       attrs["asset"],
			AmountWei:   attrs["amount"],
			WindowStart: parseAttrInt(attrs["windowStart"]),
			WindowEnd:   parseAttrInt(attrs["windowEnd"]),
			CommitTime:  evt.CommitTime.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func parseAttrInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func writeSettlementCSV(path string, rows []settlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"sequence", "event_type", "escrow_id", "maker", "taker", "asset",
		"amount_wei", "window_start", "window_end", "commit_time",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.Sequence, 10),
			row.EventType,
			row.EscrowID,
			row.Maker,
			row.Taker,
			row.Asset,
			row.AmountWei,
			strconv.FormatInt(row.WindowStart, 10),
			strconv.FormatInt(row.WindowEnd, 10),
			row.CommitTime,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func writeSettlementParquet(path string, rows []settlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}
