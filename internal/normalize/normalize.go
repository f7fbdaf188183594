package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"usageledger/internal/models"
)

// LogicVersion is stamped on every event this normalizer produces. Bump it
// when the canonical mapping changes in a way that affects row identity.
const LogicVersion = 1

// structuredRow is one machine-readable export row. Numeric fields are kept
// raw because upstream has shipped them both as numbers and as strings.
type structuredRow struct {
	Model         string          `json:"model"`
	BillingPeriod string          `json:"billing_period"`
	InputTokens   json.RawMessage `json:"input_tokens"`
	OutputTokens  json.RawMessage `json:"output_tokens"`
	CacheRead     json.RawMessage `json:"cache_read_tokens"`
	CacheCreation json.RawMessage `json:"cache_creation_tokens"`
	TotalTokens   json.RawMessage `json:"total_tokens"`
	Cost          json.RawMessage `json:"cost"`
	ExtraCost     json.RawMessage `json:"extra_cost"`
}

// scrapedDoc is the capture of a rendered usage table: a header row plus
// string cells, exactly as lifted from the page.
type scrapedDoc struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// structuredDoc allows the structured export to arrive bare or wrapped
type structuredDoc struct {
	Rows []json.RawMessage `json:"rows"`
}

// DetectKind inspects a raw payload and reports which export format it is.
// It errors only when the payload is not row-shaped at all.
func DetectKind(payload []byte) (models.BlobKind, error) {
	if _, err := parseScraped(payload); err == nil {
		return models.BlobKindScraped, nil
	}
	if _, err := parseStructured(payload); err == nil {
		return models.BlobKindStructured, nil
	}
	return "", fmt.Errorf("payload is neither a structured export nor a scraped table")
}

// Normalize maps a raw payload to the ordered canonical event sequence.
// Output order preserves input row order. A malformed individual field is
// coerced to its documented default and never aborts the row; only a
// structurally invalid payload (not a row-like sequence) is an error.
func Normalize(payload []byte, capturedAt time.Time, rawBlobID string) ([]models.UsageEvent, models.BlobKind, error) {
	if doc, err := parseScraped(payload); err == nil {
		return normalizeScraped(doc, capturedAt), models.BlobKindScraped, nil
	}

	if rows, err := parseStructured(payload); err == nil {
		return normalizeStructured(rows, capturedAt), models.BlobKindStructured, nil
	}

	return nil, "", fmt.Errorf("blob %s: payload is not a row-like export", rawBlobID)
}

func parseStructured(payload []byte) ([]structuredRow, error) {
	raws, err := rowMessages(payload)
	if err != nil {
		return nil, err
	}

	rows := make([]structuredRow, 0, len(raws))
	for i, raw := range raws {
		var row structuredRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("row %d is not an object: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rowMessages accepts either a bare JSON array or a {"rows": [...]} wrapper
func rowMessages(payload []byte) ([]json.RawMessage, error) {
	var bare []json.RawMessage
	if err := json.Unmarshal(payload, &bare); err == nil {
		return bare, nil
	}

	var doc structuredDoc
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Rows == nil {
		return nil, fmt.Errorf("payload is not a JSON row sequence")
	}
	return doc.Rows, nil
}

func parseScraped(payload []byte) (*scrapedDoc, error) {
	var doc scrapedDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if len(doc.Columns) == 0 || doc.Rows == nil {
		return nil, fmt.Errorf("payload is not a scraped table")
	}
	return &doc, nil
}

func normalizeStructured(rows []structuredRow, capturedAt time.Time) []models.UsageEvent {
	events := make([]models.UsageEvent, 0, len(rows))
	for _, row := range rows {
		e := models.UsageEvent{
			Model:               strings.TrimSpace(row.Model),
			InputTokens:         tokenCount(row.InputTokens),
			OutputTokens:        tokenCount(row.OutputTokens),
			CacheReadTokens:     tokenCount(row.CacheRead),
			CacheCreationTokens: tokenCount(row.CacheCreation),
			TotalTokens:         tokenCount(row.TotalTokens),
			Source:              models.BlobKindStructured,
		}
		e.BillingPeriodStart, e.BillingPeriodEnd = billingPeriod(row.BillingPeriod, capturedAt)

		if cents, ok := costCents(row.Cost); ok {
			e.CostCents = cents
		} else {
			e.CostRaw = rawText(row.Cost)
		}
		if cents, ok := costCents(row.ExtraCost); ok {
			e.ExtraCostCents = cents
		} else {
			e.ExtraCostRaw = rawText(row.ExtraCost)
		}

		events = append(events, finish(e, capturedAt))
	}
	return events
}

// scraped column headers, normalized with columnKey
var scrapedColumns = map[string]string{
	"model":          "model",
	"billingperiod":  "period",
	"period":         "period",
	"input":          "input",
	"inputtokens":    "input",
	"output":         "output",
	"outputtokens":   "output",
	"cacheread":      "cache_read",
	"cachewrite":     "cache_creation",
	"cachecreation":  "cache_creation",
	"total":          "total",
	"totaltokens":    "total",
	"cost":           "cost",
	"extrausage":     "extra_cost",
	"extracost":      "extra_cost",
	"extrausagecost": "extra_cost",
}

func normalizeScraped(doc *scrapedDoc, capturedAt time.Time) []models.UsageEvent {
	// Map column index → canonical field once for the whole table
	fields := make(map[int]string, len(doc.Columns))
	for i, col := range doc.Columns {
		if name, ok := scrapedColumns[columnKey(col)]; ok {
			fields[i] = name
		}
	}

	events := make([]models.UsageEvent, 0, len(doc.Rows))
	for _, cells := range doc.Rows {
		e := models.UsageEvent{Source: models.BlobKindScraped}
		period := ""

		for i, cell := range cells {
			switch fields[i] {
			case "model":
				e.Model = strings.TrimSpace(cell)
			case "period":
				period = cell
			case "input":
				e.InputTokens = tokenCountString(cell)
			case "output":
				e.OutputTokens = tokenCountString(cell)
			case "cache_read":
				e.CacheReadTokens = tokenCountString(cell)
			case "cache_creation":
				e.CacheCreationTokens = tokenCountString(cell)
			case "total":
				e.TotalTokens = tokenCountString(cell)
			case "cost":
				if cents, ok := costCentsString(cell); ok {
					e.CostCents = cents
				} else {
					e.CostRaw = cell
				}
			case "extra_cost":
				if cents, ok := costCentsString(cell); ok {
					e.ExtraCostCents = cents
				} else {
					e.ExtraCostRaw = cell
				}
			}
		}

		e.BillingPeriodStart, e.BillingPeriodEnd = billingPeriod(period, capturedAt)
		events = append(events, finish(e, capturedAt))
	}
	return events
}

// finish applies the format-independent canonicalization shared by both
// paths: total default, capture timestamp, logic version and row hash.
func finish(e models.UsageEvent, capturedAt time.Time) models.UsageEvent {
	if e.TotalTokens == 0 {
		e.TotalTokens = e.InputTokens + e.OutputTokens + e.CacheReadTokens + e.CacheCreationTokens
	}
	e.CapturedAt = capturedAt.UTC()
	e.LogicVersion = LogicVersion
	e.RowHash = RowHash(e)
	return e
}

// RowHash computes the stable identity of a logical usage record: SHA-256
// over the canonical business fields in pinned order, with the capture DAY
// rather than the full timestamp so repeated same-day captures of the same
// row collapse to one event. Both normalizer paths share this single
// implementation.
func RowHash(e models.UsageEvent) string {
	parts := []string{
		e.Model,
		e.BillingPeriodStart.Format("2006-01-02"),
		e.BillingPeriodEnd.Format("2006-01-02"),
		strconv.FormatInt(e.InputTokens, 10),
		strconv.FormatInt(e.OutputTokens, 10),
		strconv.FormatInt(e.CacheReadTokens, 10),
		strconv.FormatInt(e.CacheCreationTokens, 10),
		strconv.FormatInt(e.TotalTokens, 10),
		strconv.FormatInt(e.CostCents, 10),
		strconv.FormatInt(e.ExtraCostCents, 10),
		e.CapturedAt.UTC().Format("2006-01-02"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// rawText recovers the original textual form of a raw JSON value for the
// cost fallback fields
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// columnKey normalizes a scraped header cell for lookup: lowercase with
// everything but letters removed ("Cache Read" → "cacheread")
func columnKey(col string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(col) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
