// Package postback delivers conversion notifications to external affiliate
// networks (ASPs). Delivery is strictly best-effort: by the time a postback
// fires the conversion is already durably committed, so failures are logged
// and counted but never propagated or retried.
package postback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/domain"
	"github.com/qube-labs/qube/internal/infra/observability"
)

// Notifier posts mapped conversion parameters to the postback relay.
type Notifier struct {
	client   *http.Client
	relayURL string
	env      string
	logger   *zap.Logger
}

// New builds a notifier for the given relay endpoint and environment name.
func New(relayURL, env string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:   &http.Client{Timeout: timeout},
		relayURL: relayURL,
		env:      env,
		logger:   logger.Named("postback"),
	}
}

// relayPayload is the body posted to the relay: the partner's callback URL
// plus the mapped parameters.
type relayPayload struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
}

// Notify maps the click's captured query parameters onto the ASP's postback
// parameter names and posts the result to the relay. A missing postback URL
// for the current environment is not an error — the partner simply is not
// configured for this environment.
func (n *Notifier) Notify(ctx context.Context, asp domain.ASP, click domain.ClickLog) error {
	url := asp.PostbackURL(n.env)
	if url == "" {
		n.logger.Warn("postback url not configured",
			zap.String("asp", asp.ID),
			zap.String("env", n.env))
		observability.PostbacksTotal.WithLabelValues("unset_url").Inc()
		return nil
	}

	params := MapParams(asp.Mappings, click.QueryParams)
	body, err := json.Marshal(relayPayload{URL: url, Params: params})
	if err != nil {
		return fmt.Errorf("marshal postback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.relayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build postback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		observability.PostbacksTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send postback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		observability.PostbacksTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("postback relay returned %d", resp.StatusCode)
	}

	observability.PostbacksTotal.WithLabelValues("sent").Inc()
	n.logger.Info("postback delivered",
		zap.String("asp", asp.ID),
		zap.String("click", click.ID))
	return nil
}

// MapParams substitutes values from the click's captured query parameters
// into the partner's parameter names, falling back to each mapping's default.
func MapParams(mappings []domain.ParamMapping, captured map[string]string) map[string]string {
	params := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if v, ok := captured[m.Internal]; ok && v != "" {
			params[m.External] = v
		} else {
			params[m.External] = m.Default
		}
	}
	return params
}
