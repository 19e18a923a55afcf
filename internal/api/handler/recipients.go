package handler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
)

// ParseRecipientsCSV reads the first column of every row as a recipient address.
// Blank cells are skipped and a first row without an address is taken as a header.
func ParseRecipientsCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var raw []string
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed csv: %v", domain.ErrRecipientSource, err)
		}
		if len(record) == 0 {
			continue
		}

		cell := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if line == 1 && cell != "" && !strings.Contains(cell, "@") {
			continue
		}
		raw = append(raw, cell)
	}

	recipients, err := normalizeRecipients(raw, domain.ErrRecipientSource)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients found", domain.ErrRecipientSource)
	}

	return recipients, nil
}

// NormalizeRecipients validates inline addresses and keeps their order. Blank
// entries are dropped; an empty result is left for the scheduler to reject.
func NormalizeRecipients(raw []string) ([]string, error) {
	return normalizeRecipients(raw, domain.ErrInvalidRequest)
}

func normalizeRecipients(raw []string, kind error) ([]string, error) {
	recipients := make([]string, 0, len(raw))
	for i, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		addr, err := mail.ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %d (%q) is not a valid address", kind, i+1, value)
		}
		recipients = append(recipients, addr.Address)
	}

	return recipients, nil
}
