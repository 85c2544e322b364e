package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// FeedName identifies one of the supported business feeds.
type FeedName string

const (
	FeedLoanMaster         FeedName = "LOAN_MASTER"
	FeedPaymentTransaction FeedName = "PAYMENT_TRANSACTION"
	FeedBorrower           FeedName = "BORROWER"
	FeedCoborrower         FeedName = "COBORROWER"
	FeedCollateral         FeedName = "COLLATERAL"
	FeedPaymentSchedule    FeedName = "PAYMENT_SCHEDULE"
	FeedDelinquency        FeedName = "DELINQUENCY"
	FeedRate               FeedName = "RATE"
	FeedEscrow             FeedName = "ESCROW"
	FeedModification       FeedName = "MODIFICATION"
	FeedContactCRM         FeedName = "CONTACT_CRM"
)

// Metadata columns carried by staging rows ahead of the business columns.
const (
	ColumnJobRunID   = "job_run_id"
	ColumnAsOfDate   = "as_of_date"
	ColumnSourceFile = "source_file"
)

// FileDateLayout is the date layout substituted into feed file patterns.
const FileDateLayout = "20060102"

// FeedSchema is the declarative, immutable definition of a feed.
type FeedSchema struct {
	Name          FeedName          `json:"name"`
	FilePattern   string            `json:"filePattern"`
	StagingTable  string            `json:"stagingTable"`
	SnapshotTable string            `json:"snapshotTable"`
	PrimaryKey    []string          `json:"pkColumns"`
	Columns       []string          `json:"businessColumns"`
	HeaderAliases map[string]string `json:"-"`
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks the structural invariants of the definition.
func (s FeedSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: feed name is required", ErrSchemaMismatch)
	}
	if !strings.Contains(s.FilePattern, "%s") {
		return fmt.Errorf("%w: feed %s file pattern %q has no date placeholder", ErrSchemaMismatch, s.Name, s.FilePattern)
	}
	for _, table := range []string{s.StagingTable, s.SnapshotTable} {
		if !identifierPattern.MatchString(table) {
			return fmt.Errorf("%w: feed %s has invalid table name %q", ErrSchemaMismatch, s.Name, table)
		}
	}
	if len(s.PrimaryKey) == 0 {
		return fmt.Errorf("%w: feed %s has no primary key columns", ErrSchemaMismatch, s.Name)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: feed %s has no data columns", ErrSchemaMismatch, s.Name)
	}

	seen := make(map[string]struct{}, len(s.Columns))
	for _, col := range s.Columns {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("%w: feed %s has invalid column name %q", ErrSchemaMismatch, s.Name, col)
		}
		if isMetadataColumn(col) {
			return fmt.Errorf("%w: feed %s declares reserved column %q", ErrSchemaMismatch, s.Name, col)
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("%w: feed %s declares column %q twice", ErrSchemaMismatch, s.Name, col)
		}
		seen[col] = struct{}{}
	}
	for _, pk := range s.PrimaryKey {
		if _, ok := seen[pk]; !ok {
			return fmt.Errorf("%w: feed %s primary key column %q is not a data column", ErrSchemaMismatch, s.Name, pk)
		}
	}
	for alias, target := range s.HeaderAliases {
		if _, ok := seen[target]; !ok {
			return fmt.Errorf("%w: feed %s alias %q targets unknown column %q", ErrSchemaMismatch, s.Name, alias, target)
		}
	}
	return nil
}

// ExpectedFileName resolves the file pattern for the given as-of date.
func (s FeedSchema) ExpectedFileName(asOf time.Time) string {
	return fmt.Sprintf(s.FilePattern, asOf.Format(FileDateLayout))
}

// IsPrimaryKey reports whether col is part of the primary key.
func (s FeedSchema) IsPrimaryKey(col string) bool {
	return slices.Contains(s.PrimaryKey, col)
}

// HasColumn reports whether col is a declared data column.
func (s FeedSchema) HasColumn(col string) bool {
	return slices.Contains(s.Columns, col)
}

// NonKeyColumns returns the data columns that are not part of the primary key.
func (s FeedSchema) NonKeyColumns() []string {
	out := make([]string, 0, len(s.Columns))
	for _, col := range s.Columns {
		if !s.IsPrimaryKey(col) {
			out = append(out, col)
		}
	}
	return out
}

// MapHeaders resolves raw CSV headers to data columns, preserving file order.
//
// An exact alias match on the normalized header wins; otherwise the normalized
// header itself must be a declared column.
func (s FeedSchema) MapHeaders(rawHeaders []string) ([]string, error) {
	mapped := make([]string, 0, len(rawHeaders))
	used := make(map[string]string, len(rawHeaders))
	for _, header := range rawHeaders {
		norm := NormalizeHeader(header)
		col, ok := s.HeaderAliases[norm]
		if !ok {
			col = norm
		}
		if !s.HasColumn(col) {
			return nil, fmt.Errorf("%w: unsupported column in feed %s: %q -> %q; add it to the schema or provide a header alias",
				ErrSchemaMismatch, s.Name, header, col)
		}
		if prev, dup := used[col]; dup {
			return nil, fmt.Errorf("%w: feed %s headers %q and %q both map to column %q",
				ErrSchemaMismatch, s.Name, prev, header, col)
		}
		used[col] = header
		mapped = append(mapped, col)
	}
	return mapped, nil
}

var (
	separatorPattern   = regexp.MustCompile(`[\s/\-]+`)
	punctuationPattern = regexp.MustCompile(`[^a-z0-9_]+`)
	underscoresPattern = regexp.MustCompile(`_+`)
)

// NormalizeHeader turns a raw CSV header into a snake_case token.
func NormalizeHeader(header string) string {
	h := strings.TrimSpace(header)
	if len(h) >= 2 && strings.HasPrefix(h, `"`) && strings.HasSuffix(h, `"`) {
		h = h[1 : len(h)-1]
	}
	h = strings.ToLower(strings.TrimSpace(h))
	h = separatorPattern.ReplaceAllString(h, "_")
	h = punctuationPattern.ReplaceAllString(h, "")
	h = underscoresPattern.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}

func isMetadataColumn(col string) bool {
	switch col {
	case ColumnJobRunID, ColumnAsOfDate, ColumnSourceFile, "loaded_at", "row_hash", "ingested_at":
		return true
	}
	return false
}
