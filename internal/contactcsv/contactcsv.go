package contactcsv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/shridarpatil/wasend/internal/models"
)

// Contact is one parsed CSV row. Invalid rows keep their reason so they can
// be persisted alongside the valid ones for operator review.
type Contact struct {
	PhoneNumber   string
	Variables     models.StringMap
	IsValid       bool
	InvalidReason string
}

// ParseResult holds the outcome of a CSV import
type ParseResult struct {
	Contacts     []Contact
	ValidCount   int
	InvalidCount int
}

// Valid returns only the valid contacts, in file order
func (r *ParseResult) Valid() []Contact {
	out := make([]Contact, 0, r.ValidCount)
	for _, c := range r.Contacts {
		if c.IsValid {
			out = append(out, c)
		}
	}
	return out
}

// Parse reads campaign contacts from CSV bytes. The first column is the
// recipient phone number; every remaining column is a named template
// variable keyed by its header. Empty rows are skipped.
func Parse(data []byte, countryPrefix string, totalDigits int) (*ParseResult, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV must have a header row and at least one contact row")
	}

	header := records[0]
	if len(header) == 0 || strings.TrimSpace(header[0]) == "" {
		return nil, fmt.Errorf("CSV header must name the phone column first")
	}
	varNames := make([]string, 0, len(header)-1)
	for _, h := range header[1:] {
		varNames = append(varNames, strings.TrimSpace(h))
	}

	result := &ParseResult{}
	for _, row := range records[1:] {
		if isEmptyRow(row) {
			continue
		}

		contact := Contact{Variables: models.StringMap{}}
		for i, name := range varNames {
			if name == "" {
				continue
			}
			if i+1 < len(row) {
				contact.Variables[name] = strings.TrimSpace(row[i+1])
			}
		}

		phone, reason := NormalizePhone(row[0], countryPrefix, totalDigits)
		contact.PhoneNumber = phone
		if reason == "" {
			contact.IsValid = true
			result.ValidCount++
		} else {
			contact.InvalidReason = reason
			result.InvalidCount++
		}

		result.Contacts = append(result.Contacts, contact)
	}

	if len(result.Contacts) == 0 {
		return nil, fmt.Errorf("CSV contains no contact rows")
	}

	return result, nil
}

// NormalizePhone strips non-digits and validates the result against the
// configured country prefix and digit count. Returns the normalized number
// and an empty reason when valid.
func NormalizePhone(raw, countryPrefix string, totalDigits int) (string, string) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()

	if phone == "" {
		return phone, "empty phone number"
	}
	if len(phone) != totalDigits {
		return phone, fmt.Sprintf("phone number must be %d digits, got %d", totalDigits, len(phone))
	}
	if !strings.HasPrefix(phone, countryPrefix) {
		return phone, fmt.Sprintf("phone number must start with country code %s", countryPrefix)
	}
	return phone, ""
}

func isEmptyRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
