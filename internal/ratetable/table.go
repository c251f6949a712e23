// Package ratetable holds the official tax-rate schedules for goods and
// services codes. The table is loaded once at startup and never mutated, so
// it is shared by reference without locking.
package ratetable

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Kind says which schedule a code was found in.
type Kind string

const (
	KindGoods    Kind = "goods"
	KindServices Kind = "services"
)

// Entry is one schedule row.
type Entry struct {
	Rate        decimal.Decimal
	Description string
	Kind        Kind
}

// Table is the immutable code → official rate mapping.
type Table struct {
	entries map[string]Entry
}

type rateFile struct {
	Goods    map[string]rateRow `yaml:"goods"`
	Services map[string]rateRow `yaml:"services"`
}

type rateRow struct {
	Rate        string `yaml:"rate"`
	Description string `yaml:"description"`
}

var nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// CleanCode strips spaces and punctuation from a declared tax code so it can
// be matched against the schedules.
func CleanCode(code string) string {
	return nonAlnumRe.ReplaceAllString(strings.TrimSpace(code), "")
}

// Load reads the rate schedules from a YAML file.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ratetable: read %s", path)
	}
	return Parse(raw)
}

// Parse builds a Table from raw YAML.
func Parse(raw []byte) (*Table, error) {
	var f rateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "ratetable: unmarshal")
	}

	t := &Table{entries: make(map[string]Entry, len(f.Goods)+len(f.Services))}
	if err := t.add(f.Goods, KindGoods); err != nil {
		return nil, err
	}
	if err := t.add(f.Services, KindServices); err != nil {
		return nil, err
	}

	zap.L().Info("loaded tax-rate master table",
		zap.Int("goods", len(f.Goods)),
		zap.Int("services", len(f.Services)),
	)
	return t, nil
}

func (t *Table) add(rows map[string]rateRow, kind Kind) error {
	for code, row := range rows {
		rate, err := decimal.NewFromString(row.Rate)
		if err != nil {
			return eris.Wrapf(err, "ratetable: bad rate %q for code %s", row.Rate, code)
		}
		t.entries[CleanCode(code)] = Entry{
			Rate:        rate,
			Description: row.Description,
			Kind:        kind,
		}
	}
	return nil
}

// Lookup returns the schedule entry for a tax code. Goods and services share
// one namespace; the code is cleaned before matching.
func (t *Table) Lookup(code string) (Entry, bool) {
	e, ok := t.entries[CleanCode(code)]
	return e, ok
}

// Len reports the number of codes in the table.
func (t *Table) Len() int {
	return len(t.entries)
}
