package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/crypto"
	"github.com/gorilla/websocket"
)

// pipe is an in-memory Transport. The node end reads out and writes in.
type pipe struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipe() *pipe {
	return &pipe{in: make(chan []byte, 64), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (p *pipe) ReadMessage() (int, []byte, error) {
	select {
	case b := <-p.in:
		return websocket.TextMessage, b, nil
	case <-p.done:
		return 0, nil, io.EOF
	}
}

func (p *pipe) WriteMessage(_ int, b []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// handler answers a non-auth request. Returning ok=false sends nothing.
type handler func(n *fakeNode, p *pipe, msg rpcMessage) (method string, params any, ok bool)

// fakeNode speaks the node side of the protocol over pipes.
type fakeNode struct {
	wallet      string
	application string

	mu         sync.Mutex
	dials      int
	fullAuths  int
	resumes    int
	pings      int
	dialDelay  time.Duration
	dialErr    error
	rejectJWT  bool
	sessionKey string
	pipes      []*pipe
	handlers   map[string]handler
	seen       map[string]int
	received   chan rpcMessage
}

func newFakeNode(wallet *crypto.Signer, application string) *fakeNode {
	return &fakeNode{
		wallet:      wallet.Address().Hex(),
		application: application,
		handlers:    make(map[string]handler),
		seen:        make(map[string]int),
		received:    make(chan rpcMessage, 64),
	}
}

func (n *fakeNode) dial(ctx context.Context, _ string) (Transport, error) {
	n.mu.Lock()
	n.dials++
	delay, err := n.dialDelay, n.dialErr
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p := newPipe()
	n.mu.Lock()
	n.pipes = append(n.pipes, p)
	n.mu.Unlock()
	go n.serve(p)
	return p, nil
}

func (n *fakeNode) handle(method string, h handler) {
	n.mu.Lock()
	n.handlers[method] = h
	n.mu.Unlock()
}

// dropAll closes every transport from the node side.
func (n *fakeNode) dropAll() {
	n.mu.Lock()
	pipes := n.pipes
	n.pipes = nil
	n.mu.Unlock()
	for _, p := range pipes {
		_ = p.Close()
	}
}

func (n *fakeNode) count(f func(n *fakeNode) int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return f(n)
}

func (n *fakeNode) seenCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[method]
}

func (n *fakeNode) serve(p *pipe) {
	var pendingAuth authRequestParams
	for {
		var frame []byte
		select {
		case frame = <-p.out:
		case <-p.done:
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(env.Req, &msg); err != nil {
			continue
		}

		n.mu.Lock()
		n.seen[msg.Method]++
		h := n.handlers[msg.Method]
		n.mu.Unlock()

		switch msg.Method {
		case methodAuthRequest:
			_ = json.Unmarshal(msg.Params, &pendingAuth)
			n.reply(p, msg.ID, methodAuthChallenge, authChallengeParams{ChallengeMessage: "challenge-" + pendingAuth.SessionKey})

		case methodAuthVerify:
			var v authVerifyParams
			_ = json.Unmarshal(msg.Params, &v)
			n.verify(p, msg.ID, v, pendingAuth, env.Sig)

		case "ping":
			n.mu.Lock()
			n.pings++
			n.mu.Unlock()
			n.reply(p, msg.ID, methodPong, struct{}{})

		default:
			if h == nil {
				n.reply(p, msg.ID, msg.Method, struct{}{})
				continue
			}
			select {
			case n.received <- msg:
			default:
			}
			if method, params, ok := h(n, p, msg); ok {
				n.reply(p, msg.ID, method, params)
			}
		}
	}
}

func (n *fakeNode) verify(p *pipe, id uint64, v authVerifyParams, req authRequestParams, sigs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if v.JWT != "" {
		n.resumes++
		if n.rejectJWT || v.JWT != "jwt-"+n.sessionKey {
			go n.reply(p, id, methodError, errorParams{Error: "invalid jwt", Code: 401})
			return
		}
		go n.reply(p, id, methodAuthVerify, authVerifyResult{Address: n.wallet, SessionKey: n.sessionKey, Success: true})
		return
	}

	ok := len(sigs) == 1 && v.Challenge == "challenge-"+req.SessionKey
	if ok {
		digest, err := crypto.PolicyDigest(n.application, crypto.Policy{
			Challenge:  v.Challenge,
			Scope:      req.Scope,
			Wallet:     req.Address,
			SessionKey: req.SessionKey,
			ExpiresAt:  req.ExpiresAt,
			Allowances: req.Allowances,
		})
		signer, rerr := crypto.RecoverAddress(digest, sigs[0])
		ok = err == nil && rerr == nil && signer.Hex() == n.wallet
	}
	if !ok {
		go n.reply(p, id, methodAuthVerify, authVerifyResult{Success: false})
		return
	}
	n.fullAuths++
	n.sessionKey = req.SessionKey
	go n.reply(p, id, methodAuthVerify, authVerifyResult{
		Address:    n.wallet,
		SessionKey: req.SessionKey,
		Success:    true,
		JWTToken:   "jwt-" + req.SessionKey,
	})
}

// reply writes one res frame; it returns false once p is closed.
func (n *fakeNode) reply(p *pipe, id uint64, method string, params any) bool {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	res, err := json.Marshal(rpcMessage{ID: id, Method: method, Params: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		panic(err)
	}
	frame, _ := json.Marshal(envelope{Res: res, Sig: []string{}})
	select {
	case p.in <- frame:
		return true
	case <-p.done:
		return false
	}
}

// current returns the most recently dialled open pipe.
func (n *fakeNode) current() (*pipe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pipes) == 0 {
		return nil, errors.New("no pipe")
	}
	return n.pipes[len(n.pipes)-1], nil
}
