package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/config"
)

// BuildReadinessChecks returns two readiness checks: the KV connections and
// the orchestrator roster endpoint.
func BuildReadinessChecks(cfg config.Config, kvc *kv.Clients) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	kvCheck := func(ctx context.Context) error {
		if kvc == nil {
			return fmt.Errorf("kv not configured")
		}
		if err := kvc.Shared.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("shared: %w", err)
		}
		if err := kvc.Blocking.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("blocking: %w", err)
		}
		return nil
	}
	orchCheck := func(ctx context.Context) error {
		if cfg.OrchestratorURL == "" {
			return fmt.Errorf("orchestrator url not configured")
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OrchestratorURL+"/api/dashboard/sessions", nil)
		if cfg.OrchestratorAPIKey != "" {
			req.Header.Set("X-API-Key", cfg.OrchestratorAPIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("orchestrator status %d", resp.StatusCode)
	}
	return kvCheck, orchCheck
}
