package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vaultchat/internal/money"
)

// Controller exposes Service over HTTP, following
// `walletserver/controllers/wallet_controller.go`'s decode-call-encode
// shape: no error taxonomy beyond `http.Error` with a plain status code,
// since this surface is operator-only and never reached by an end user.
type Controller struct {
	svc *Service
}

// NewController constructs a Controller bound to svc.
func NewController(svc *Service) *Controller {
	return &Controller{svc: svc}
}

// Register mounts the admin routes on r, mirroring
// `walletserver/routes/routes.go`'s Register(r, controller) convention.
func Register(r *mux.Router, c *Controller) {
	r.HandleFunc("/admin/wallets/{walletId}", c.GetWallet).Methods(http.MethodGet)
	r.HandleFunc("/admin/wallets/{walletId}/ledger", c.GetLedger).Methods(http.MethodGet)
	r.HandleFunc("/admin/wallets/{walletId}/adjust", c.PostAdjustment).Methods(http.MethodPost)
	r.HandleFunc("/admin/conversations/{conversationId}/epochs", c.GetEpochHistory).Methods(http.MethodGet)
}

func (c *Controller) GetWallet(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["walletId"]
	wallet, err := c.svc.Wallet(r.Context(), walletID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(wallet)
}

func (c *Controller) GetLedger(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["walletId"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := c.svc.WalletLedger(r.Context(), walletID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entries)
}

type adjustmentRequest struct {
	DeltaCents int64  `json:"deltaCents"`
	Reason     string `json:"reason"`
}

func (c *Controller) PostAdjustment(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["walletId"]

	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := c.svc.AdjustBalance(r.Context(), walletID, money.FromCents(req.DeltaCents), req.Reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

func (c *Controller) GetEpochHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	epochs, err := c.svc.EpochHistory(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(epochs)
}
