package clearnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// Intents accepted by submit_app_state.
const (
	IntentOperate  = "operate"
	IntentDeposit  = "deposit"
	IntentWithdraw = "withdraw"
)

// Allocation assigns an amount of one asset to a participant.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// AppDefinition fixes the participants and voting rules of an app session.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       uint64   `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// CreateAppSessionRequest opens an app session.
type CreateAppSessionRequest struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
	SessionData string        `json:"session_data,omitempty"`
}

// SubmitAppStateRequest pushes a new state version.
type SubmitAppStateRequest struct {
	AppSessionID string       `json:"app_session_id"`
	Intent       string       `json:"intent"`
	Version      uint64       `json:"version"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data,omitempty"`
}

// CloseAppSessionRequest finalises a session with its last allocation.
type CloseAppSessionRequest struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data,omitempty"`
}

// AppSessionState is the node's view of a session after an operation.
type AppSessionState struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

// AppSession is one row of get_app_sessions.
type AppSession struct {
	AppSessionID       string   `json:"app_session_id"`
	Status             string   `json:"status"`
	Participants       []string `json:"participants"`
	Protocol           string   `json:"protocol"`
	Version            uint64   `json:"version"`
	Quorum             uint64   `json:"quorum"`
	SessionData        string   `json:"session_data,omitempty"`
	Nonce              uint64   `json:"nonce"`
	ChallengePeriodSec uint64   `json:"challenge"`
}

// AppSessionFilter narrows get_app_sessions.
type AppSessionFilter struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// TransferAllocation is one asset amount in a transfer.
type TransferAllocation struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// TransferRequest moves unified-ledger funds to another account.
type TransferRequest struct {
	Destination string               `json:"destination"`
	Allocations []TransferAllocation `json:"allocations"`
}

// LedgerBalance is one asset balance on the unified ledger.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// NodeConfig is the subset of get_config the exchange reads.
type NodeConfig struct {
	BrokerAddress string          `json:"broker_address"`
	Networks      json.RawMessage `json:"networks,omitempty"`
}

// CreateAppSession opens a new app session.
func (c *Client) CreateAppSession(ctx context.Context, req CreateAppSessionRequest) (AppSessionState, error) {
	if len(req.Definition.Participants) == 0 {
		return AppSessionState{}, &domain.ValidationError{Field: "participants", Reason: "must not be empty"}
	}
	if len(req.Definition.Weights) != len(req.Definition.Participants) {
		return AppSessionState{}, &domain.ValidationError{Field: "weights", Reason: "must match participants"}
	}
	if req.Definition.Nonce == 0 {
		req.Definition.Nonce = uint64(c.now().UnixMilli())
	}
	if req.Allocations == nil {
		req.Allocations = []Allocation{}
	}

	var st AppSessionState
	if err := c.do(ctx, "create_app_session", req, &st); err != nil {
		return AppSessionState{}, err
	}
	c.noteVersion(st.AppSessionID, st.Version)
	return st, nil
}

// SubmitAppState pushes state version req.Version. Versions for a session
// must strictly increase; a stale version is rejected before any I/O.
func (c *Client) SubmitAppState(ctx context.Context, req SubmitAppStateRequest) (AppSessionState, error) {
	if req.AppSessionID == "" {
		return AppSessionState{}, &domain.ValidationError{Field: "app_session_id", Reason: "required"}
	}
	if req.Intent == "" {
		req.Intent = IntentOperate
	}
	if last := c.lastVersion(req.AppSessionID); req.Version <= last {
		return AppSessionState{}, &domain.ValidationError{
			Field:  "version",
			Reason: fmt.Sprintf("%d does not exceed last submitted %d", req.Version, last),
		}
	}
	if req.Allocations == nil {
		req.Allocations = []Allocation{}
	}

	var st AppSessionState
	if err := c.do(ctx, "submit_app_state", req, &st); err != nil {
		return AppSessionState{}, err
	}
	if st.Version == 0 {
		st.Version = req.Version
	}
	if st.AppSessionID == "" {
		st.AppSessionID = req.AppSessionID
	}
	c.noteVersion(req.AppSessionID, st.Version)
	return st, nil
}

// CloseAppSession finalises the session with the given allocations.
func (c *Client) CloseAppSession(ctx context.Context, req CloseAppSessionRequest) (AppSessionState, error) {
	if req.AppSessionID == "" {
		return AppSessionState{}, &domain.ValidationError{Field: "app_session_id", Reason: "required"}
	}
	if req.Allocations == nil {
		req.Allocations = []Allocation{}
	}
	var st AppSessionState
	if err := c.do(ctx, "close_app_session", req, &st); err != nil {
		return AppSessionState{}, err
	}
	if st.AppSessionID == "" {
		st.AppSessionID = req.AppSessionID
	}
	c.forgetVersion(req.AppSessionID)
	return st, nil
}

// Transfer moves funds from the wallet's unified balance to Destination.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (json.RawMessage, error) {
	if req.Destination == "" {
		return nil, &domain.ValidationError{Field: "destination", Reason: "required"}
	}
	if len(req.Allocations) == 0 {
		return nil, &domain.ValidationError{Field: "allocations", Reason: "must not be empty"}
	}
	var out json.RawMessage
	if err := c.do(ctx, "transfer", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAppSessions lists app sessions matching f.
func (c *Client) GetAppSessions(ctx context.Context, f AppSessionFilter) ([]AppSession, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get_app_sessions", f, &raw); err != nil {
		return nil, err
	}
	var out []AppSession
	if err := decodeList(raw, "app_sessions", &out); err != nil {
		return nil, fmt.Errorf("clearnode: decode get_app_sessions: %w", err)
	}
	return out, nil
}

// GetConfig returns the node's configuration.
func (c *Client) GetConfig(ctx context.Context) (NodeConfig, error) {
	var cfg NodeConfig
	if err := c.do(ctx, "get_config", nil, &cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// GetLedgerBalances returns unified-ledger balances for accountID, or for the
// wallet when accountID is empty.
func (c *Client) GetLedgerBalances(ctx context.Context, accountID string) ([]LedgerBalance, error) {
	params := map[string]string{}
	if accountID != "" {
		params["account_id"] = accountID
	}
	var raw json.RawMessage
	if err := c.do(ctx, "get_ledger_balances", params, &raw); err != nil {
		return nil, err
	}
	var out []LedgerBalance
	if err := decodeList(raw, "ledger_balances", &out); err != nil {
		return nil, fmt.Errorf("clearnode: decode get_ledger_balances: %w", err)
	}
	return out, nil
}

// RefreshBalance updates the cached wallet balance. Failures, including a
// failed reconnect, are logged and leave the cache stale.
func (c *Client) RefreshBalance(ctx context.Context) {
	bals, err := c.GetLedgerBalances(ctx, "")
	if err != nil {
		c.logger.Warn("clearnode: balance refresh failed", slog.String("error", err.Error()))
		return
	}
	c.balMu.Lock()
	c.balances = bals
	c.balancesAt = c.now()
	c.balMu.Unlock()
}

// Balance returns the cached balances and when they were fetched.
func (c *Client) Balance() ([]LedgerBalance, time.Time) {
	c.balMu.RLock()
	defer c.balMu.RUnlock()
	out := make([]LedgerBalance, len(c.balances))
	copy(out, c.balances)
	return out, c.balancesAt
}

func (c *Client) lastVersion(sessionID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[sessionID]
}

func (c *Client) noteVersion(sessionID string, v uint64) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	if v > c.versions[sessionID] {
		c.versions[sessionID] = v
	}
	c.mu.Unlock()
}

func (c *Client) forgetVersion(sessionID string) {
	c.mu.Lock()
	delete(c.versions, sessionID)
	c.mu.Unlock()
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(inner, out)
}
