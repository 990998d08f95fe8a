package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/testutil"
)

func request(eventID string) ClaimRequest {
	return ClaimRequest{
		Provider:               models.BillingProviderStripe,
		EventID:                eventID,
		EventType:              "invoice.paid",
		ProviderSubscriptionID: "sub_1",
		Payload:                []byte(`{"id":"` + eventID + `"}`),
		ReceivedAt:             time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestClaimDetectsReplay(t *testing.T) {
	g := NewGuard(testutil.SetupTestDB(t))
	ctx := context.Background()

	res, err := g.Claim(ctx, request("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, Claimed, res)

	res, err = g.Claim(ctx, request("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)

	other := request("evt_1")
	other.Provider = models.BillingProviderPaddle
	res, err = g.Claim(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, Claimed, res, "event ids are scoped per provider")
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	g := NewGuard(testutil.SetupTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[ClaimResult]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Claim(ctx, request("evt_race"))
			if assert.NoError(t, err) {
				mu.Lock()
				counts[res]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, counts[Claimed])
	assert.Equal(t, 9, counts[AlreadyProcessed])
}

func TestMarkOutcomeOnce(t *testing.T) {
	g := NewGuard(testutil.SetupTestDB(t))
	ctx := context.Background()
	_, err := g.Claim(ctx, request("evt_2"))
	require.NoError(t, err)

	require.NoError(t, g.MarkOutcome(ctx, models.BillingProviderStripe, "evt_2", models.WebhookOutcomeProcessed, ""))
	require.NoError(t, g.MarkOutcome(ctx, models.BillingProviderStripe, "evt_2", models.WebhookOutcomeFailed, "late"))

	row, err := g.Find(ctx, models.BillingProviderStripe, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeProcessed, row.Outcome)
	assert.NotNil(t, row.CompletedAt)

	counts, err := g.CountByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.WebhookOutcomeProcessed])
}

func TestPrune(t *testing.T) {
	g := NewGuard(testutil.SetupTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"old_1", "old_2", "old_3", "new_1"} {
		req := request(id)
		if i == 3 {
			req.ReceivedAt = req.ReceivedAt.AddDate(0, 0, 10)
		}
		_, err := g.Claim(ctx, req)
		require.NoError(t, err)
	}

	cutoff := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	old, err := g.ListBefore(ctx, cutoff, 0, 10)
	require.NoError(t, err)
	assert.Len(t, old, 3)

	n, err := g.Prune(ctx, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = g.Find(ctx, models.BillingProviderStripe, "new_1")
	assert.NoError(t, err)
}

func mockGuard(t *testing.T) (*Guard, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		TranslateError:         true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGuard(db), mock
}

func TestClaimClassifiesDriverErrors(t *testing.T) {
	t.Run("duplicate entry is a replay", func(t *testing.T) {
		g, mock := mockGuard(t)
		mock.ExpectExec("INSERT INTO `processed_webhook_events`").
			WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'stripe-evt_1'"})

		res, err := g.Claim(context.Background(), request("evt_1"))
		require.NoError(t, err)
		assert.Equal(t, AlreadyProcessed, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other failures are store errors", func(t *testing.T) {
		g, mock := mockGuard(t)
		mock.ExpectExec("INSERT INTO `processed_webhook_events`").
			WillReturnError(errors.New("connection refused"))

		_, err := g.Claim(context.Background(), request("evt_1"))
		assert.ErrorIs(t, err, ErrStore)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert succeeds", func(t *testing.T) {
		g, mock := mockGuard(t)
		mock.ExpectExec("INSERT INTO `processed_webhook_events`").
			WillReturnResult(sqlmock.NewResult(1, 1))

		res, err := g.Claim(context.Background(), request("evt_1"))
		require.NoError(t, err)
		assert.Equal(t, Claimed, res)
	})
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"  invoice.paid ", 100, "invoice.paid"},
		{"zahlung fehlgeschlagen: Außenstand", 29, "zahlung fehlgeschlagen: Außen"},
		{"日本語の説明", 3, "日本語"},
		{"bad \xff byte", 100, "bad  byte"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got)
		assert.True(t, utf8.ValidString(got))
	}
}
