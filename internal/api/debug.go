package api

import (
	"encoding/json"
	"net/http"
	"time"

	"flexbus/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"addr":               s.Cfg.HTTP.Addr,
			"rateRps":            s.Cfg.HTTP.RateRPS,
			"rateBurst":          s.Cfg.HTTP.RateBurst,
			"maxAdvanceDays":     s.Cfg.Booking.MaxAdvanceDays,
			"driveSlack":         s.Cfg.Booking.DriveSlackFactor,
			"freezeHorizonMin":   s.Cfg.Lifecycle.FreezeHorizonMinutes,
			"webhookMaxAttempts": s.Cfg.Webhooks.MaxAttempts,
			"hasDatabaseUrl":     s.Cfg.DB.URL != "",
			"hasRedisUrl":        s.Cfg.Redis.URL != "",
			"hasMapsApiKey":      s.Cfg.Maps.APIKey != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
