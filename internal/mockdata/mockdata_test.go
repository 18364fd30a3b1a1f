package mockdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/richinex/querypilot/sqlexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	customers := Generate(DefaultCustomers, 42)
	require.Len(t, customers, DefaultCustomers)

	emails := make(map[string]bool)
	for _, c := range customers {
		assert.False(t, emails[c.Email], "duplicate email %s", c.Email)
		emails[c.Email] = true
		assert.Contains(t, AccountTypes, c.AccountType)
		assert.GreaterOrEqual(t, c.Balance, 50.0)
		assert.LessOrEqual(t, c.Balance, 50000.0)
		assert.NotEmpty(t, c.FirstName)
		assert.NotEmpty(t, c.LastName)

		age := time.Since(c.DateOfBirth)
		assert.GreaterOrEqual(t, age, 18*365*24*time.Hour)
	}

	again := Generate(3, 42)
	assert.Equal(t, customers[0].Email, again[0].Email)
	assert.Equal(t, customers[2].FirstName, again[2].FirstName)
}

func TestSeedSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.db")
	d := sqlexec.Descriptor{Kind: sqlexec.KindSQLite, Path: path}
	customers := Generate(DefaultCustomers, 7)

	n, err := Seed(context.Background(), d, customers)
	require.NoError(t, err)
	assert.Equal(t, DefaultCustomers, n)

	// Re-seeding the same customers inserts nothing.
	n, err = Seed(context.Background(), d, customers)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	out := sqlexec.NewExecutor(0).Execute(context.Background(), d, "SELECT COUNT(*) FROM customers")
	assert.Equal(t, "Columns: ['COUNT(*)']\nData: [(100,)]", out)
}

func TestSeedUnsupported(t *testing.T) {
	_, err := Seed(context.Background(), sqlexec.Descriptor{Kind: sqlexec.KindOracle}, nil)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	got := Describe([]Customer{{AccountType: "Savings"}, {AccountType: "Savings"}, {AccountType: "Investment"}})
	assert.Equal(t, "3 customers (Savings=2, Checking=0, Investment=1)", got)
}

func TestCreditScoreHandler(t *testing.T) {
	srv := httptest.NewServer(CreditScoreHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/credit-score/123")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body CreditScore
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 123, body.UserID)
	assert.GreaterOrEqual(t, body.Score, 300)
	assert.LessOrEqual(t, body.Score, 850)
	assert.Equal(t, riskLevel(body.Score), body.RiskLevel)
	assert.Equal(t, ScoreFor(123, time.Time{}).Score, body.Score)

	for _, path := range []string{"/credit-score/0", "/credit-score/abc"} {
		bad, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		bad.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, bad.StatusCode, path)
	}
}

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{850, "Low"},
		{751, "Low"},
		{750, "Medium"},
		{651, "Medium"},
		{650, "High"},
		{300, "High"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, riskLevel(tt.score), "score %d", tt.score)
	}
}
