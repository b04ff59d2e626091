package bulkorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Заголовки файла массовой загрузки. Колонки адресуются по имени,
// порядок колонок в файле значения не имеет.
const (
	columnRecipientName  = "recipient_name"
	columnRecipientEmail = "recipient_email"
	columnRecipientPhone = "recipient_phone"
	columnAmount         = "amount"
	columnDesignTheme    = "design_theme"
)

// ErrEmptyFile возвращается для файла без строки заголовка.
var ErrEmptyFile = errors.New("bulk order file is empty")

// ParseCSV читает CSV-файл массовой загрузки и возвращает непроверенные
// строки. Сами значения здесь не валидируются — этим занимается ValidateRows.
func ParseCSV(r io.Reader) ([]RawRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	required := []string{
		columnRecipientName,
		columnRecipientEmail,
		columnRecipientPhone,
		columnAmount,
		columnDesignTheme,
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}

	var rows []RawRow
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line+1, err)
		}

		line++
		rows = append(rows, RawRow{
			Line:           line,
			RecipientName:  field(record, columns[columnRecipientName]),
			RecipientEmail: field(record, columns[columnRecipientEmail]),
			RecipientPhone: field(record, columns[columnRecipientPhone]),
			Amount:         field(record, columns[columnAmount]),
			DesignTheme:    field(record, columns[columnDesignTheme]),
		})
	}

	return rows, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}
