package profile

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Class maps a family of symbols to one bucket size. Symbols match exactly, then
// prefixes, then suffixes, in that order across all classes.
type Class struct {
	Name     string
	Bucket   decimal.Decimal
	Symbols  []string
	Prefixes []string
	Suffixes []string
}

// BucketTable resolves the price granularity of a symbol once, when its aggregate is created.
type BucketTable struct {
	classes []Class
	def     decimal.Decimal
}

func NewBucketTable(def decimal.Decimal, classes ...Class) (*BucketTable, error) {
	if !def.IsPositive() {
		return nil, fmt.Errorf("default bucket size must be positive, got %s", def)
	}
	for i, c := range classes {
		if !c.Bucket.IsPositive() {
			return nil, fmt.Errorf("class %q: bucket size must be positive, got %s", c.Name, c.Bucket)
		}
		classes[i].Symbols = upper(c.Symbols)
		classes[i].Prefixes = upper(c.Prefixes)
		classes[i].Suffixes = upper(c.Suffixes)
	}
	return &BucketTable{classes: classes, def: def}, nil
}

// DefaultBucketTable is tuned for FX majors, JPY crosses, metals, indices and large crypto.
func DefaultBucketTable() *BucketTable {
	t, _ := NewBucketTable(decimal.RequireFromString("0.0005"),
		Class{Name: "index", Bucket: decimal.NewFromInt(5), Symbols: []string{"US30", "NAS100", "SPX500", "GER40", "UK100", "JP225"}},
		Class{Name: "gold", Bucket: decimal.RequireFromString("0.5"), Prefixes: []string{"XAU"}},
		Class{Name: "silver", Bucket: decimal.RequireFromString("0.01"), Prefixes: []string{"XAG"}},
		Class{Name: "btc", Bucket: decimal.NewFromInt(50), Prefixes: []string{"BTC"}},
		Class{Name: "eth", Bucket: decimal.NewFromInt(5), Prefixes: []string{"ETH"}},
		Class{Name: "jpy", Bucket: decimal.RequireFromString("0.05"), Suffixes: []string{"JPY"}},
	)
	return t
}

// Resolve returns the bucket size for symbol and the name of the class that matched.
func (t *BucketTable) Resolve(symbol string) (decimal.Decimal, string) {
	symbol = strings.ToUpper(symbol)
	for _, c := range t.classes {
		for _, s := range c.Symbols {
			if s == symbol {
				return c.Bucket, c.Name
			}
		}
	}
	for _, c := range t.classes {
		for _, p := range c.Prefixes {
			if strings.HasPrefix(symbol, p) {
				return c.Bucket, c.Name
			}
		}
	}
	for _, c := range t.classes {
		for _, s := range c.Suffixes {
			if strings.HasSuffix(symbol, s) {
				return c.Bucket, c.Name
			}
		}
	}
	return t.def, "default"
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
