package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"filetoll/internal/logging"
)

// DefaultFacilitatorURL is the public x402 testnet facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// FacilitatorClient implements Oracle against an x402 facilitator service.
// The facilitator validates a payment proof (the X-Payment header value)
// against the payment requirements for a resource.
type FacilitatorClient struct {
	baseURL    string
	network    string
	httpClient *http.Client
}

// FacilitatorConfig holds configuration for the facilitator client.
type FacilitatorConfig struct {
	URL     string // facilitator base URL
	Network string // settlement network, e.g. "base-sepolia"
}

// NewFacilitatorClient creates a new facilitator-backed oracle.
func NewFacilitatorClient(cfg FacilitatorConfig) (*FacilitatorClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("facilitator URL is required")
	}
	if cfg.Network == "" {
		return nil, fmt.Errorf("network is required")
	}

	return &FacilitatorClient{
		baseURL: cfg.URL,
		network: cfg.Network,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Facilitator request/response structures
type paymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
}

type verifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements paymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

func (c *FacilitatorClient) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	// No proof presented: nothing to send to the facilitator, the caller
	// needs the terms first.
	if req.Proof == "" {
		return &VerifyResult{Status: StatusInsufficient, Reason: "no payment proof presented"}, nil
	}

	amount, err := ParsePrice(req.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	body := verifyRequest{
		X402Version:   1,
		PaymentHeader: req.Proof,
		PaymentRequirements: paymentRequirements{
			Scheme:            "exact",
			Network:           c.network,
			MaxAmountRequired: strconv.FormatInt(amount, 10),
			PayTo:             req.PayTo,
			Resource:          req.Resource,
			Description:       req.Description,
			MimeType:          req.MimeType,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/verify", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !vr.IsValid {
		logging.Pay.Printf("proof rejected for %s: %s", req.Resource, vr.InvalidReason)
		return &VerifyResult{Status: StatusInsufficient, Reason: vr.InvalidReason}, nil
	}

	logging.Pay.Printf("proof verified for %s (%s to %s)", req.Resource, req.Price, req.PayTo)
	return &VerifyResult{Status: StatusValid}, nil
}
