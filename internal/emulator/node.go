// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/jsonrpc"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/scripting"
)

// actionTimeout bounds one action execution.
const actionTimeout = 10 * time.Second

// network is the state shared by every emulated node.
type network struct {
	name             string
	threshold        int
	networkPublicKey string
	keyring          *Keyring
	verifier         TokenVerifier
	metrics          *Metrics
	log              *slog.Logger
	now              func() time.Time
	executeRate      float64
	executeBurst     int
	failExecute      atomic.Bool
}

// Node is one emulated signing node serving JSON-RPC.
type Node struct {
	net     *network
	index   uint32
	address string
	server  *jsonrpc.Server
	limiter *keyLimiter
}

func newNode(net *network, index uint32) *Node {
	n := &Node{
		net:     net,
		index:   index,
		address: fmt.Sprintf("%s-node-%d", net.name, index),
		server:  jsonrpc.NewServer(),
		limiter: newKeyLimiter(net.executeRate, net.executeBurst),
	}
	n.server.Handle(litnode.MethodHandshake, n.observe(litnode.MethodHandshake, n.handshake))
	n.server.Handle(litnode.MethodSignSessionKey, n.observe(litnode.MethodSignSessionKey, n.signSessionKey))
	n.server.Handle(litnode.MethodExecute, n.observe(litnode.MethodExecute, n.execute))
	return n
}

// Server returns the node's JSON-RPC handler.
func (n *Node) Server() *jsonrpc.Server {
	return n.server
}

// Address is the node identity bound into session signatures.
func (n *Node) Address() string {
	return n.address
}

func (n *Node) observe(method string, fn jsonrpc.HandlerFunc) jsonrpc.HandlerFunc {
	return func(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
		res, rpcErr := fn(ctx, req)
		outcome := "ok"
		if rpcErr != nil {
			outcome = "error"
			n.net.log.Debug("node call failed", "node", n.address, "method", method, "error", rpcErr.Message)
		}
		n.net.metrics.NodeCalls.WithLabelValues(method, outcome).Inc()
		return res, rpcErr
	}
}

func (n *Node) handshake(_ context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var p litnode.HandshakeParams
	if err := req.ParseParams(&p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}
	return litnode.HandshakeResult{
		Network:          n.net.name,
		NodeAddress:      n.address,
		NetworkPublicKey: n.net.networkPublicKey,
		Threshold:        n.net.threshold,
		ShareIndex:       n.index,
		Challenge:        p.Challenge,
	}, nil
}

func (n *Node) signSessionKey(_ context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var p litnode.SignSessionKeyParams
	if err := req.ParseParams(&p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}

	subject, rpcErr := n.authenticate(p.AuthMethods)
	if rpcErr != nil {
		return nil, rpcErr
	}

	key, err := n.net.keyring.lookup(p.PKPPublicKey)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.Unauthorized, "%v", err)
	}
	if key.owner != subject {
		return nil, jsonrpc.NewError(jsonrpc.Unauthorized, "identity is not permitted to use %s", key.kp.Address)
	}

	msg, err := litnode.ParseSIWE(p.SiweMessage)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}
	if msg.URI != p.SessionKey || !strings.HasPrefix(msg.URI, litnode.SessionKeyURIPrefix) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "message does not delegate to the session key")
	}
	if !ethkey.EqualAddress(msg.Address, key.kp.Address) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "message address does not match PKP")
	}
	if msg.ExpirationTime.IsZero() || !n.net.now().Before(msg.ExpirationTime) {
		return nil, jsonrpc.NewError(jsonrpc.SessionExpired, "capability expiration is not in the future")
	}
	if strings.Join(msg.Resources, ",") != strings.Join(p.Resources, ",") {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "message resources do not match request")
	}

	share, err := signatureShare(key, ethkey.HashMessage([]byte(p.SiweMessage)), n.index, n.net.threshold)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InternalError, "%v", err)
	}
	n.net.metrics.SignedShares.Inc()
	return litnode.SignSessionKeyResult{SignatureShare: share}, nil
}

// authenticate accepts the first auth method the network supports.
func (n *Node) authenticate(methods []litnode.AuthMethod) (string, *jsonrpc.Error) {
	if len(methods) == 0 {
		return "", jsonrpc.NewError(jsonrpc.AuthenticationError, "no auth methods")
	}
	for _, m := range methods {
		if m.AuthMethodType != identity.ProviderGoogle.AuthMethodType() {
			continue
		}
		subject, err := n.net.verifier.Verify(m.AccessToken)
		if err != nil {
			return "", jsonrpc.NewError(jsonrpc.AuthenticationError, "%v", err)
		}
		return subject, nil
	}
	return "", jsonrpc.NewError(jsonrpc.AuthenticationError, "unsupported auth method type")
}

// actionResource names the resource an inline action executes as.
func actionResource(code string) string {
	return "litAction://" + hex.EncodeToString(ethkey.Keccak256([]byte(code))[:16])
}

func (n *Node) execute(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	if n.net.failExecute.Load() {
		return nil, jsonrpc.NewError(jsonrpc.ExecutionFailed, "node is not accepting executions")
	}

	var p litnode.ExecuteParams
	if err := req.ParseParams(&p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}

	now := n.net.now()
	payload, err := litnode.VerifySessionSig(p.AuthSig, n.address, now)
	if err != nil {
		code := jsonrpc.Unauthorized
		if errors.Is(err, litnode.ErrSessionExpired) {
			code = jsonrpc.SessionExpired
		}
		return nil, jsonrpc.NewError(code, "%v", err)
	}
	if !n.limiter.allow(payload.SessionKey, now) {
		return nil, jsonrpc.NewError(jsonrpc.RateLimited, "too many executions for session %s", payload.SessionKey)
	}

	// PKPs whose capability covers this action.
	resource := actionResource(p.Code)
	authorized := make(map[string]bool)
	for _, capability := range payload.Capabilities {
		msg, err := litnode.ParseSIWE(capability.SignedMessage)
		if err != nil {
			continue
		}
		if litnode.Covers(msg.Resources, resource) {
			authorized[strings.ToLower(capability.Address)] = true
		}
	}
	if len(authorized) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.Unauthorized, "session does not grant %s", resource)
	}

	act := &action{node: n, authorized: authorized, signed: make(map[string]litnode.SignatureShare)}
	runCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := act.run(runCtx, p.Code, p.JSParams); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ExecutionFailed, "%v", err)
	}

	return litnode.ExecuteResponse{
		Success:    true,
		SignedData: act.signed,
		Response:   act.response,
		Logs:       act.logs.String(),
	}, nil
}

// action is one execution of action code on a node.
type action struct {
	node       *Node
	authorized map[string]bool

	mu       sync.Mutex
	signed   map[string]litnode.SignatureShare
	response string
	logs     strings.Builder
	err      error
}

func (a *action) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *action) run(ctx context.Context, code string, jsParams map[string]any) error {
	runner := scripting.NewGojaRunner()
	runner.SetOutput(func(line string) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.logs.WriteString(line + "\n")
	})
	vm := runner.Runtime()

	for name, value := range jsParams {
		if err := runner.Set(name, value); err != nil {
			return fmt.Errorf("jsParams.%s: %w", name, err)
		}
	}
	if err := runner.Set("jsParams", jsParams); err != nil {
		return err
	}

	lit := vm.NewObject()
	_ = lit.Set("signEcdsa", func(call goja.FunctionCall) goja.Value {
		if err := a.signEcdsa(vm, call.Argument(0)); err != nil {
			a.fail(err)
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = lit.Set("setResponse", func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		a.mu.Lock()
		a.response = obj.Get("response").String()
		a.mu.Unlock()
		return goja.Undefined()
	})
	if err := runner.Set("LitActions", lit); err != nil {
		return err
	}
	if err := runner.Set("Lit", map[string]any{"Actions": lit}); err != nil {
		return err
	}

	if _, err := runner.Run(ctx, code); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *action) signEcdsa(vm *goja.Runtime, arg goja.Value) error {
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return errors.New("signEcdsa: missing parameters")
	}
	obj := arg.ToObject(vm)

	toSign, err := exportBytes(obj.Get("toSign"))
	if err != nil {
		return fmt.Errorf("signEcdsa: toSign: %w", err)
	}
	if len(toSign) != 32 {
		return fmt.Errorf("signEcdsa: toSign must be 32 bytes, got %d", len(toSign))
	}
	sigName := obj.Get("sigName")
	if sigName == nil || goja.IsUndefined(sigName) || sigName.String() == "" {
		return errors.New("signEcdsa: missing sigName")
	}
	pubVal := obj.Get("publicKey")
	if pubVal == nil || goja.IsUndefined(pubVal) {
		return errors.New("signEcdsa: missing publicKey")
	}

	key, err := a.node.net.keyring.lookup(pubVal.String())
	if err != nil {
		return fmt.Errorf("signEcdsa: %w", err)
	}
	if !a.authorized[strings.ToLower(key.kp.Address)] {
		return fmt.Errorf("signEcdsa: session is not authorized for %s", key.kp.Address)
	}

	share, err := signatureShare(key, toSign, a.node.index, a.node.net.threshold)
	if err != nil {
		return err
	}
	share.SigName = sigName.String()

	a.mu.Lock()
	a.signed[share.SigName] = share
	a.mu.Unlock()
	a.node.net.metrics.SignedShares.Inc()
	return nil
}

// exportBytes accepts an array of byte values or a hex string.
func exportBytes(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("missing")
	}
	switch x := v.Export().(type) {
	case string:
		return hex.DecodeString(strings.TrimPrefix(x, "0x"))
	case []byte:
		return x, nil
	case []interface{}:
		out := make([]byte, len(x))
		for i, e := range x {
			var n int64
			switch num := e.(type) {
			case int64:
				n = num
			case float64:
				n = int64(num)
			default:
				return nil, fmt.Errorf("element %d is %T", i, e)
			}
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("element %d out of range", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", x)
	}
}
