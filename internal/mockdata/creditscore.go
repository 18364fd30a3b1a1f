package mockdata

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// CreditScore is the body served by the mock credit score API.
type CreditScore struct {
	UserID      int       `json:"user_id"`
	Score       int       `json:"score"`
	RiskLevel   string    `json:"risk_level"`
	LastUpdated time.Time `json:"last_updated"`
}

// ScoreFor returns the deterministic mock score of userID.
func ScoreFor(userID int, now time.Time) CreditScore {
	score := gofakeit.New(uint64(userID)).IntRange(300, 850)
	return CreditScore{
		UserID:      userID,
		Score:       score,
		RiskLevel:   riskLevel(score),
		LastUpdated: now,
	}
}

func riskLevel(score int) string {
	switch {
	case score > 750:
		return "Low"
	case score > 650:
		return "Medium"
	default:
		return "High"
	}
}

// CreditScoreHandler serves GET /credit-score/{user_id}, a stand-in for a
// bank API the url_fetch_tool can be pointed at.
func CreditScoreHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /credit-score/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.Atoi(r.PathValue("user_id"))
		if err != nil || userID <= 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"detail": "user_id must be an integer greater than 0",
			})
			return
		}
		writeJSON(w, http.StatusOK, ScoreFor(userID, time.Now().UTC()))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
