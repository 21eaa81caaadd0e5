package server

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nftlend/native/nftfi"
	nftfidmw "nftlend/services/nftfid/middleware"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Service   *nftfi.Service
	Logger    *slog.Logger
	RateLimit nftfidmw.RateLimit
}

// Server exposes the lending service over HTTP.
type Server struct {
	service *nftfi.Service
	logger  *slog.Logger
	router  http.Handler
}

// New constructs a configured HTTP router for the lending API.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{service: cfg.Service, logger: logger}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	limiter := nftfidmw.NewRateLimiter(cfg.RateLimit, s.logger)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1/lending", func(api chi.Router) {
		api.Get("/quote", s.handleQuote)
		api.Get("/loans", s.handleListLoans)
		api.Get("/loans/{id}", s.handleGetLoan)
		api.Get("/loans/{id}/repayments", s.handleRepayments)
		api.Post("/loans/{id}/preview", s.handlePreview)

		api.Group(func(mutating chi.Router) {
			mutating.Use(limiter.Middleware)
			mutating.Post("/loans", s.handleOpenLoan)
			mutating.Post("/loans/{id}/repay", s.handleRepay)
			mutating.Post("/loans/{id}/liquidate", s.handleLiquidate)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	collection := strings.TrimSpace(r.URL.Query().Get("collection"))
	tokenID := strings.TrimSpace(r.URL.Query().Get("tokenId"))
	if collection == "" || tokenID == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "missing_parameter", Message: "collection and tokenId are required"})
		return
	}
	quote, err := s.service.QuoteMaxBorrow(r.Context(), collection, tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collection": collection,
		"tokenId":    tokenID,
		"maxBorrow":  quote.String(),
	})
}

type openLoanPayload struct {
	Collection  string `json:"collection"`
	TokenID     string `json:"tokenId"`
	Principal   string `json:"principal"`
	BorrowToken string `json:"borrowToken"`
	Borrower    string `json:"borrower"`
}

func (s *Server) handleOpenLoan(w http.ResponseWriter, r *http.Request) {
	var payload openLoanPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_payload", Message: "malformed request body"})
		return
	}
	principal, ok := parseWei(payload.Principal)
	if !ok {
		writeError(w, nftfi.ErrInvalidAmount)
		return
	}
	loan, err := s.service.OpenLoan(r.Context(), nftfi.OpenLoanRequest{
		Collection:  payload.Collection,
		TokenID:     payload.TokenID,
		Principal:   principal,
		BorrowToken: payload.BorrowToken,
		BorrowerID:  payload.Borrower,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanJSON(loan))
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	borrower := strings.TrimSpace(r.URL.Query().Get("borrower"))
	if borrower == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "missing_parameter", Message: "borrower is required"})
		return
	}
	var statuses []nftfi.LoanStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := nftfi.ParseLoanStatus(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_status", Message: "unknown loan status"})
			return
		}
		statuses = append(statuses, status)
	}
	summaries, err := s.service.ListLoans(r.Context(), borrower, statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(summaries))
	for i := range summaries {
		out = append(out, summaryJSON(summaries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": out})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryJSON(summary))
}

func (s *Server) handleRepayments(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.Repayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, recordJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"repayments": out})
}

type amountPayload struct {
	Amount string `json:"amount"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var payload amountPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_payload", Message: "malformed request body"})
		return
	}
	amount, ok := parseWei(payload.Amount)
	if !ok {
		writeError(w, nftfi.ErrInvalidAmount)
		return
	}
	preview, err := s.service.PreviewRepayment(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"newTotalOwed":    preview.NewTotalOwed.String(),
		"newHealthFactor": ratDecimal(preview.NewHealthFactor),
		"willRelease":     preview.WillRelease,
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var payload amountPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_payload", Message: "malformed request body"})
		return
	}
	amount, ok := parseWei(payload.Amount)
	if !ok {
		writeError(w, nftfi.ErrInvalidAmount)
		return
	}
	outcome, err := s.service.Repay(r.Context(), nftfi.RepayRequest{
		LoanID:    chi.URLParam(r, "id"),
		Amount:    amount,
		RequestID: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	result := outcome.Result
	body := map[string]any{
		"loan":         loanJSON(result.Loan),
		"applied":      result.Applied.String(),
		"excess":       result.Excess.String(),
		"newTotalOwed": result.NewTotalOwed.String(),
		"healthFactor": ratDecimal(result.HealthFactor),
		"released":     result.Released,
		"replayed":     result.Replayed,
	}
	if outcome.Release != nil {
		body["release"] = instructionJSON(outcome.Release)
	}
	writeJSON(w, http.StatusOK, body)
}

type liquidatePayload struct {
	Liquidator string `json:"liquidator"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var payload liquidatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_payload", Message: "malformed request body"})
		return
	}
	if strings.TrimSpace(payload.Liquidator) == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "missing_parameter", Message: "liquidator is required"})
		return
	}
	outcome, err := s.service.Liquidate(r.Context(), chi.URLParam(r, "id"), payload.Liquidator)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"loan":         loanJSON(outcome.Result.Loan),
		"debt":         outcome.Result.Debt.String(),
		"healthFactor": ratDecimal(outcome.Result.HealthFactor),
	}
	if outcome.Seize != nil {
		body["seize"] = instructionJSON(outcome.Seize)
	}
	writeJSON(w, http.StatusOK, body)
}

func loanJSON(loan *nftfi.Loan) map[string]any {
	return map[string]any{
		"id":     loan.ID,
		"status": loan.Status.String(),
		"collateral": map[string]any{
			"collection":     loan.Collateral.Collection,
			"tokenId":        loan.Collateral.TokenID,
			"estimatedValue": loan.Collateral.EstimatedValue.String(),
			"valuationTime":  loan.Collateral.ValuationTime,
		},
		"borrower":         loan.BorrowerID,
		"principal":        loan.Principal.String(),
		"borrowToken":      loan.BorrowToken,
		"originatedAt":     loan.OriginatedAt,
		"rateBps":          loan.RateBps,
		"cumulativeRepaid": loan.CumulativeRepaid.String(),
	}
}

func summaryJSON(summary nftfi.LoanSummary) map[string]any {
	return map[string]any{
		"loanId":          summary.LoanID,
		"borrower":        summary.BorrowerID,
		"status":          summary.Status.String(),
		"collection":      summary.Collateral.Collection,
		"tokenId":         summary.Collateral.TokenID,
		"collateralValue": summary.CollateralValue.String(),
		"principal":       summary.Principal.String(),
		"totalOwed":       summary.TotalOwed.String(),
		"healthFactor":    summary.HealthFactor,
		"band":            summary.Band.String(),
		"daysActive":      summary.DaysActive,
	}
}

func recordJSON(rec *nftfi.RepaymentRecord) map[string]any {
	return map[string]any{
		"id":                    rec.ID,
		"loanId":                rec.LoanID,
		"requestId":             rec.RequestID,
		"amount":                rec.Amount.String(),
		"timestamp":             rec.Timestamp,
		"resultingOwed":         rec.ResultingOwed.String(),
		"resultingHealthFactor": rec.ResultingHealthFactor,
	}
}

func instructionJSON(instr *nftfi.SettlementInstruction) map[string]any {
	return map[string]any{
		"kind":         string(instr.Kind),
		"collection":   instr.Collateral.Collection,
		"tokenId":      instr.Collateral.TokenID,
		"borrowToken":  instr.BorrowToken,
		"amount":       instr.Amount.String(),
		"counterparty": instr.Counterparty,
	}
}

func parseWei(value string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return parsed, true
}

func ratDecimal(value *big.Rat) string {
	if value == nil {
		return ""
	}
	rendered := strings.TrimRight(value.FloatString(18), "0")
	return strings.TrimRight(rendered, ".")
}
