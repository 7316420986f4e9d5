// Package cws is the HTTP client for the Cryptographic Web Service, the
// stateless sidecar that performs all ElectionGuard math. Every chunk a
// worker processes becomes exactly one request here.
package cws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/observability"
)

// Endpoint paths on the CWS.
const (
	pathCreateTally        = "/create_encrypted_tally"
	pathPartialDecryption  = "/create_partial_decryption"
	pathCompensatedDecrypt = "/create_compensated_decryption"
	pathCombineShares      = "/combine_decryption_shares"
)

// TallyRequest asks the CWS to homomorphically accumulate one chunk of
// encrypted ballots.
type TallyRequest struct {
	ElectionID        string   `json:"electionId"`
	ElectionCenterID  string   `json:"electionCenterId"`
	BallotCiphertexts []string `json:"ballotCiphertexts"`
	ManifestHash      string   `json:"manifestHash"`
}

// TallyResponse carries the encrypted tally and the per-ballot records
// the verifier needs later.
type TallyResponse struct {
	EncryptedTally   string `json:"encryptedTally"`
	SubmittedBallots []struct {
		ID         string `json:"id"`
		CipherText string `json:"cipherText"`
	} `json:"submittedBallots"`
}

// PartialDecryptionRequest asks for one guardian's share over one chunk.
// The private key travels only in this request body, never to disk.
type PartialDecryptionRequest struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
	GuardianID       string `json:"guardianId"`
	GuardianSequence int    `json:"guardianSequence"`
	PrivateKey       string `json:"privateKey"`
	EncryptedTally   string `json:"encryptedTally"`
}

// PartialDecryptionResponse carries the guardian's shares for a chunk.
type PartialDecryptionResponse struct {
	PartialDecryptedTally string `json:"partialDecryptedTally"`
	TallyShare            string `json:"tallyShare"`
	BallotShare           string `json:"ballotShare"`
}

// CompensatedDecryptionRequest asks a present guardian to compensate for
// a missing one using its polynomial backup.
type CompensatedDecryptionRequest struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
	CompensatingSeq  int    `json:"compensatingGuardianSequence"`
	MissingSeq       int    `json:"missingGuardianSequence"`
	Polynomial       string `json:"polynomial"`
	EncryptedTally   string `json:"encryptedTally"`
}

// CompensatedDecryptionResponse carries the compensated shares.
type CompensatedDecryptionResponse struct {
	CompensatedTallyShare  string `json:"compensatedTallyShare"`
	CompensatedBallotShare string `json:"compensatedBallotShare"`
}

// ShareInput is one share row handed to the combine endpoint.
type ShareInput struct {
	GuardianSequence int    `json:"guardianSequence"`
	MissingSequence  int    `json:"missingSequence,omitempty"`
	TallyShare       string `json:"tallyShare"`
	BallotShare      string `json:"ballotShare"`
}

// CombineRequest asks the CWS to Lagrange-combine shares into plaintext.
type CombineRequest struct {
	ElectionID        string       `json:"electionId"`
	ElectionCenterID  string       `json:"electionCenterId"`
	EncryptedTally    string       `json:"encryptedTally"`
	PartialShares     []ShareInput `json:"partialShares"`
	CompensatedShares []ShareInput `json:"compensatedShares"`
}

// CombineResponse carries the plaintext result for one chunk.
type CombineResponse struct {
	ElectionResult string `json:"electionResult"`
}

// Options tunes the client's connection pool.
type Options struct {
	BaseURL        string
	MaxConnections int
	MaxPerRoute    int
}

// Client is a pooled HTTP client for the CWS. Errors are classified into
// the shared taxonomy: connect failures, timeouts and 5xx responses are
// transient; 4xx responses are permanent.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observability.Metrics
}

// New creates a client. The metrics argument may be nil.
func New(opts Options, metrics *observability.Metrics) *Client {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.MaxPerRoute <= 0 {
		opts.MaxPerRoute = 50
	}
	// The pool evicts idle connections every 30s. net/http has no hard
	// connection TTL knob; keep-alive probes every 5s take the place of
	// validate-after-inactivity, and the idle eviction bounds lifetime.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 5 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.MaxConnections,
		MaxConnsPerHost:     opts.MaxPerRoute,
		MaxIdleConnsPerHost: opts.MaxPerRoute,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Transport: transport},
		metrics: metrics,
	}
}

// CreateEncryptedTally accumulates one chunk of ballots.
func (c *Client) CreateEncryptedTally(ctx context.Context, req *TallyRequest) (*TallyResponse, error) {
	var resp TallyResponse
	if err := c.post(ctx, pathCreateTally, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePartialDecryption computes one guardian's share for one chunk.
func (c *Client) CreatePartialDecryption(ctx context.Context, req *PartialDecryptionRequest) (*PartialDecryptionResponse, error) {
	var resp PartialDecryptionResponse
	if err := c.post(ctx, pathPartialDecryption, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCompensatedDecryption computes a compensated share for one chunk.
func (c *Client) CreateCompensatedDecryption(ctx context.Context, req *CompensatedDecryptionRequest) (*CompensatedDecryptionResponse, error) {
	var resp CompensatedDecryptionResponse
	if err := c.post(ctx, pathCompensatedDecrypt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CombineDecryptionShares combines shares into a plaintext result.
func (c *Client) CombineDecryptionShares(ctx context.Context, req *CombineRequest) (*CombineResponse, error) {
	var resp CombineResponse
	if err := c.post(ctx, pathCombineShares, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks CWS reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return faults.New(faults.KindTransientCWS, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return faults.Newf(faults.KindTransientCWS, "health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	start := time.Now()
	err := c.doPost(ctx, path, reqBody, respBody)

	if c.metrics != nil {
		c.metrics.RecordCWSRequest(path, err == nil, time.Since(start).Seconds())
	}
	return err
}

func (c *Client) doPost(ctx context.Context, path string, reqBody, respBody interface{}) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Connect failures, timeouts, context deadlines: all transient.
		return faults.New(faults.KindTransientCWS, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return faults.New(faults.KindTransientCWS, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return faults.Newf(faults.KindTransientCWS, "%s returned %d: %s", path, resp.StatusCode, truncate(body, 256))
	case resp.StatusCode >= 400:
		return faults.Newf(faults.KindPermanentCWS, "%s returned %d: %s", path, resp.StatusCode, truncate(body, 256))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return faults.Newf(faults.KindTransientCWS, "malformed response from %s: %v", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
