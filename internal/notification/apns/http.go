package apns

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/internal/notification/domain"
)

// providerTokenTTL stays under Apple's 60 minute cap with headroom for
// clock skew.
const providerTokenTTL = 50 * time.Minute

// HTTPGateway talks to the APNs HTTP/2 API with provider token auth.
type HTTPGateway struct {
	endpoint string
	bundleID string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey
	client   *http.Client
	log      *zap.Logger

	mu          sync.Mutex
	bearer      string
	bearerUntil time.Time
}

func NewHTTPGateway(cfg config.APNsConfig, log *zap.Logger) (*HTTPGateway, error) {
	if cfg.BundleID == "" || cfg.TeamID == "" || cfg.KeyID == "" || strings.TrimSpace(cfg.AuthKey) == "" {
		return nil, ErrConfig
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.AuthKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPGateway{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		bundleID: cfg.BundleID,
		teamID:   cfg.TeamID,
		keyID:    cfg.KeyID,
		key:      key,
		client:   &http.Client{Timeout: timeout},
		log:      log.Named("apns.http"),
	}, nil
}

type apsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type aps struct {
	Alert apsAlert `json:"alert"`
	Badge *int     `json:"badge,omitempty"`
	Sound string   `json:"sound,omitempty"`
}

type pushBody struct {
	APS    aps            `json:"aps"`
	Type   string         `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	DueAt  *time.Time     `json:"due_at,omitempty"`
}

func (g *HTTPGateway) Send(ctx context.Context, token string, payload domain.Payload) (Result, error) {
	bearer, err := g.providerToken()
	if err != nil {
		return Result{}, err
	}

	body := pushBody{
		APS: aps{
			Alert: apsAlert{Title: payload.Title, Body: payload.Body},
			Badge: payload.Badge,
			Sound: "default",
		},
		Type:  payload.Type,
		DueAt: payload.DueAt,
	}
	if payload.TaskID != nil {
		body.TaskID = payload.TaskID.String()
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/3/device/%s", g.endpoint, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", g.bundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	result := Result{
		Status: resp.StatusCode,
		APNSID: resp.Header.Get("apns-id"),
	}
	if resp.StatusCode == http.StatusOK {
		result.OK = true
		return result, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var rejection struct {
		Reason string `json:"reason"`
	}
	if unmarshalErr := json.Unmarshal(raw, &rejection); unmarshalErr == nil {
		result.Reason = rejection.Reason
	}
	g.log.Debug("push rejected",
		zap.Int("status", result.Status),
		zap.String("reason", result.Reason),
	)
	return result, nil
}

func (g *HTTPGateway) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if g.bearer != "" && now.Before(g.bearerUntil) {
		return g.bearer, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": g.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = g.keyID

	signed, err := token.SignedString(g.key)
	if err != nil {
		return "", err
	}
	g.bearer = signed
	g.bearerUntil = now.Add(providerTokenTTL)
	return signed, nil
}
