package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/warp/points-engine/points"
)

// CSVResult reports a bulk adjustment import.
type CSVResult struct {
	Imported int
	Errors   []string
}

// ImportCSV applies rows of "email,delta,reason" as manual adjustments.
// The first row is a header and is skipped. Rows that fail are reported in
// the result; only an unreadable file is an error.
func ImportCSV(ctx context.Context, svc *points.Service, r io.Reader) (*CSVResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	result := &CSVResult{}
	header := true
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to read csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		if isBlank(row) {
			continue
		}
		line, _ := reader.FieldPos(0)

		if err := importRow(ctx, svc, row); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}

func importRow(ctx context.Context, svc *points.Service, row []string) error {
	if len(row) < 3 {
		return fmt.Errorf("expected email,delta,reason, got %d fields", len(row))
	}
	email := strings.TrimSpace(row[0])
	reason := strings.TrimSpace(row[2])
	if email == "" || reason == "" {
		return errors.New("email and reason are required")
	}
	delta, err := ParseDelta(row[1])
	if err != nil {
		return fmt.Errorf("%s: %w", email, err)
	}

	participant, err := svc.Participants.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("%s: %w", email, err)
	}
	if _, err := svc.Participants.Adjust(ctx, participant.ID, delta, reason, points.SourceManual); err != nil {
		return fmt.Errorf("%s: %w", email, err)
	}
	return nil
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ExportHeader is the first row written by ExportCSV.
var ExportHeader = []string{"Date", "Participant", "Email", "Delta", "Reason", "Source"}

// ExportCSV writes the global ledger, newest first. Entries whose
// participant no longer resolves are labeled "Unknown".
func ExportCSV(ctx context.Context, svc *points.Service, w io.Writer) error {
	entries, err := svc.AllEntries(ctx)
	if err != nil {
		return err
	}
	participants, err := svc.Participants.List(ctx)
	if err != nil {
		return err
	}
	byID := make(map[points.ParticipantID]points.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, e := range entries {
		name, email := "Unknown", ""
		if p, ok := byID[e.ParticipantID]; ok {
			name, email = p.Name, p.Email
		}
		record := []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			name,
			email,
			strconv.FormatInt(int64(e.Delta), 10),
			e.Reason,
			string(e.Source),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
