// Package payments runs purchases from intent to issued key: a pending
// payment is created against the wallet provider, polled until it
// confirms, then exchanged for a key exactly once.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/log"
)

// Provider is the wallet side of the pipeline.
type Provider interface {
	// CreateIntent registers a payment form and returns the URL the user
	// pays at.
	CreateIntent(ctx context.Context, label string, amount int64) (string, error)
	// CheckPaid reports whether a payment with the label has settled.
	// Any provider failure reads as "not paid yet"; the poller retries.
	CheckPaid(ctx context.Context, label string) (bool, error)
}

// WalletProvider talks to a YooMoney-compatible wallet API.
type WalletProvider struct {
	baseURL  string
	token    string
	receiver string
	comment  string
	http     *http.Client
	logger   zerolog.Logger
}

// NewWalletProvider builds the provider. baseURL points at the wallet API
// root, overridable for tests.
func NewWalletProvider(baseURL, token, receiver, comment string) *WalletProvider {
	return &WalletProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		receiver: receiver,
		comment:  comment,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   log.WithComponent("payments.provider"),
	}
}

// CreateIntent posts a quickpay form and returns the checkout URL the
// provider redirects to.
func (p *WalletProvider) CreateIntent(ctx context.Context, label string, amount int64) (string, error) {
	form := url.Values{
		"receiver":      {p.receiver},
		"quickpay-form": {"shop"},
		"targets":       {p.comment},
		"paymentType":   {"SB"},
		"sum":           {strconv.FormatInt(amount, 10)},
		"label":         {label},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/quickpay/confirm.xml", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("payments: create intent: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("payments: create intent: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return "", fmt.Errorf("payments: create intent: provider status %d", res.StatusCode)
	}
	// The checkout page is wherever the provider redirected us.
	return res.Request.URL.String(), nil
}

// CheckPaid queries the operation history for the label.
func (p *WalletProvider) CheckPaid(ctx context.Context, label string) (bool, error) {
	form := url.Values{"label": {label}, "records": {"5"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/operation-history", strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("payments: check %q: %w", label, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+p.token)
	res, err := p.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("payments: check %q: %w", label, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("payments: check %q: provider status %d", label, res.StatusCode)
	}
	var body struct {
		Operations []struct {
			Label  string `json:"label"`
			Status string `json:"status"`
		} `json:"operations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("payments: check %q: %w", label, err)
	}
	for _, op := range body.Operations {
		if op.Label == label && op.Status == "success" {
			return true, nil
		}
	}
	return false, nil
}
