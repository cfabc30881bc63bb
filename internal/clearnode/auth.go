package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/crypto"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

const (
	methodAuthRequest   = "auth_request"
	methodAuthChallenge = "auth_challenge"
	methodAuthVerify    = "auth_verify"
)

type authRequestParams struct {
	Address     string             `json:"address"`
	SessionKey  string             `json:"session_key"`
	Application string             `json:"application"`
	Allowances  []crypto.Allowance `json:"allowances"`
	ExpiresAt   uint64             `json:"expires_at"`
	Scope       string             `json:"scope"`
}

type authChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

type authVerifyParams struct {
	Challenge string `json:"challenge,omitempty"`
	JWT       string `json:"jwt,omitempty"`
}

type authVerifyResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
	JWTToken   string `json:"jwt_token"`
}

// authSession is the outcome of a successful authorisation.
type authSession struct {
	signer    *crypto.Signer
	expiresAt time.Time
	jwt       string
}

// authenticate runs the challenge-response on l with a fresh session key.
// It never retries; callers decide whether to try again.
func (c *Client) authenticate(ctx context.Context, l *link) (*authSession, error) {
	sk, err := crypto.GenerateSigner()
	if err != nil {
		return nil, fmt.Errorf("clearnode: auth: %w: %w", domain.ErrAuth, err)
	}
	expiresAt := c.now().Add(c.cfg.SessionTTL).Truncate(time.Second)
	allowances := c.cfg.Allowances
	if allowances == nil {
		allowances = []crypto.Allowance{}
	}

	req := authRequestParams{
		Address:     c.wallet.Address().Hex(),
		SessionKey:  sk.Address().Hex(),
		Application: c.cfg.Application,
		Allowances:  allowances,
		ExpiresAt:   uint64(expiresAt.Unix()),
		Scope:       c.cfg.Scope,
	}
	raw, err := c.roundTrip(ctx, l, methodAuthRequest, methodAuthChallenge, req, nil)
	if err != nil {
		return nil, fmt.Errorf("clearnode: auth_request: %w: %w", domain.ErrAuth, err)
	}
	var challenge authChallengeParams
	if err := json.Unmarshal(raw, &challenge); err != nil || challenge.ChallengeMessage == "" {
		return nil, fmt.Errorf("clearnode: auth_challenge: %w: missing challenge", domain.ErrAuth)
	}

	sig, err := c.wallet.SignPolicy(c.cfg.Application, crypto.Policy{
		Challenge:  challenge.ChallengeMessage,
		Scope:      req.Scope,
		Wallet:     req.Address,
		SessionKey: req.SessionKey,
		ExpiresAt:  req.ExpiresAt,
		Allowances: allowances,
	})
	if err != nil {
		return nil, fmt.Errorf("clearnode: auth: %w: %w", domain.ErrSigningFailed, err)
	}

	res, err := c.verify(ctx, l, authVerifyParams{Challenge: challenge.ChallengeMessage}, func([]byte) (string, error) {
		return sig, nil
	})
	if err != nil {
		return nil, err
	}
	return &authSession{signer: sk, expiresAt: expiresAt, jwt: res.JWTToken}, nil
}

// resume re-authorises a fresh transport for an existing session key by
// presenting the JWT issued at the last full authentication.
func (c *Client) resume(ctx context.Context, l *link, sk *crypto.Signer, expiresAt time.Time, jwt string) (*authSession, error) {
	res, err := c.verify(ctx, l, authVerifyParams{JWT: jwt}, nil)
	if err != nil {
		return nil, err
	}
	if res.SessionKey != "" && res.SessionKey != sk.Address().Hex() {
		return nil, fmt.Errorf("clearnode: resume: %w: node bound session key %s", domain.ErrAuth, res.SessionKey)
	}
	if res.JWTToken != "" {
		jwt = res.JWTToken
	}
	return &authSession{signer: sk, expiresAt: expiresAt, jwt: jwt}, nil
}

func (c *Client) verify(ctx context.Context, l *link, params authVerifyParams, sign func([]byte) (string, error)) (*authVerifyResult, error) {
	raw, err := c.roundTrip(ctx, l, methodAuthVerify, methodAuthVerify, params, sign)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("clearnode: auth_verify: %w: %w", domain.ErrAuth, err)
	}
	var res authVerifyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("clearnode: auth_verify: %w: %w", domain.ErrAuth, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("clearnode: auth_verify: %w: node reported success=false", domain.ErrAuth)
	}
	return &res, nil
}
