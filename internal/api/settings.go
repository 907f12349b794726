package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/secrets"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

type settingsResponse struct {
	Autopilot       bool   `json:"autopilot"`
	WalletPubkey    string `json:"wallet_pubkey,omitempty"`
	WalletConnected bool   `json:"wallet_connected"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetUserSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := settingsResponse{Autopilot: s.cfg.AutopilotDefault}
	if settings != nil {
		response = settingsResponse{
			Autopilot:       settings.Autopilot,
			WalletPubkey:    settings.WalletPubkey,
			WalletConnected: settings.WalletSessionKeyEnc != "",
			UpdatedAt:       settings.UpdatedAt,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

type updateSettingsRequest struct {
	Autopilot        *bool  `json:"autopilot"`
	WalletPubkey     string `json:"wallet_pubkey"`
	WalletSessionKey string `json:"wallet_session_key"`
}

// updateSettings writes user settings. Wallet session keys never land
// in the store in the clear; they are sealed with the secrets key,
// and the endpoint rejects them when no key is configured.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	existing, err := s.store.GetUserSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	settings := store.UserSettings{Autopilot: s.cfg.AutopilotDefault}
	if existing != nil {
		settings = *existing
	}

	if req.Autopilot != nil {
		settings.Autopilot = *req.Autopilot
	}
	if pubkey := strings.TrimSpace(req.WalletPubkey); pubkey != "" {
		settings.WalletPubkey = pubkey
	}
	if sessionKey := strings.TrimSpace(req.WalletSessionKey); sessionKey != "" {
		key, err := secrets.ParseKey(s.cfg.SecretsKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusPreconditionFailed)
			return
		}
		encrypted, err := secrets.Encrypt(key, sessionKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		settings.WalletSessionKeyEnc = encrypted
	}
	settings.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	if err := s.store.UpsertUserSettings(r.Context(), settings); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(settingsResponse{
		Autopilot:       settings.Autopilot,
		WalletPubkey:    settings.WalletPubkey,
		WalletConnected: settings.WalletSessionKeyEnc != "",
		UpdatedAt:       settings.UpdatedAt,
	})
}
