package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/storage/postgres"

	"gorm.io/gorm/clause"
)

func testClient(t *testing.T) *postgres.PostgresClient {
	t.Helper()
	dsn := os.Getenv("PROFILEFEED_PG_DSN")
	if dsn == "" {
		t.Skip("set PROFILEFEED_PG_DSN to run against postgres")
	}
	client, err := postgres.NewClient(dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.AutoMigrateBarRecord(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return client
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	if os.Getenv("PROFILEFEED_PG_DSN") == "" {
		t.Skip("set PROFILEFEED_PG_DSN to run against postgres")
	}
	invalidDSN := "host=invalid port=5432 user=fail password=fail dbname=fail sslmode=disable connect_timeout=2"
	if _, err := postgres.NewClient(invalidDSN); err == nil {
		t.Fatal("expected error for invalid DSN, got nil")
	}
}

// go test -v --run TestBarStoreRange
func TestBarStoreRange(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	key := market.NewKey("TESTPG", "unittest")
	client.DB.Where("source = ?", key.Source).Delete(&postgres.BarRecord{})
	t.Cleanup(func() { client.DB.Where("source = ?", key.Source).Delete(&postgres.BarRecord{}) })

	from := time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC)
	var records []postgres.BarRecord
	for i := 3; i >= 0; i-- { // inserted newest first
		p := 1.08 + float64(i)*0.001
		records = append(records, postgres.NewBarRecord(market.Bar{
			Key: key, Period: "30m", Open: p, High: p + 0.0005, Low: p - 0.0005, Close: p,
			Timestamp: from.Add(time.Duration(i) * 30 * time.Minute),
		}))
	}
	other := postgres.NewBarRecord(market.Bar{Key: key, Period: "1h", Open: 1, High: 1, Low: 1, Close: 1, Timestamp: from})
	records = append(records, other)
	if err := client.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error; err != nil {
		t.Fatal(err)
	}

	store := postgres.NewBarStore(client, "30m")
	bars, err := store.Bars(ctx, key, from, from.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars in [from, to), got %d", len(bars))
	}
	for i, b := range bars {
		if !b.Timestamp.Equal(from.Add(time.Duration(i) * 30 * time.Minute)) {
			t.Errorf("bar %d at %s, want ascending order", i, b.Timestamp)
		}
		if b.Key != key || b.Period != "30m" {
			t.Errorf("unexpected bar %+v", b)
		}
	}
}

// go test -v --run TestBarRecordConversion
func TestBarRecordConversion(t *testing.T) {
	b := market.Bar{Key: market.NewKey("eurusd", "CTrader"), Period: "30m", Open: 1.08, High: 1.09, Low: 1.07, Close: 1.085,
		Timestamp: time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC)}
	got := postgres.NewBarRecord(b).Bar()
	if got != b {
		t.Errorf("got %+v, want %+v", got, b)
	}
}
